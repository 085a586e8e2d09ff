// Package livesync keeps a local item collection consistent with the
// backend: one bulk load followed by a stream of row-level changes,
// reduced one at a time on a single event loop.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/lostfound/internal/backend"
	"github.com/vyrodovalexey/lostfound/internal/model"
	"github.com/vyrodovalexey/lostfound/internal/store"
)

// ErrAlreadyRunning is returned by Run when the synchronizer is mounted twice.
var ErrAlreadyRunning = errors.New("synchronizer is already running")

// ErrLoadFailed wraps the bulk query error recorded in a Snapshot.
var ErrLoadFailed = errors.New("failed to load items")

// Snapshot is a read-only copy of the synchronizer state.
type Snapshot struct {
	Items    []model.Item
	Loading  bool
	Err      error
	Version  uint64
	LoadedAt time.Time
}

// Loaded reports whether at least one bulk load has finished.
func (s Snapshot) Loaded() bool {
	return !s.LoadedAt.IsZero()
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithCollection sets the collection the synchronizer owns.
func WithCollection(c store.Collection) Option {
	return func(s *Synchronizer) {
		s.coll = c
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		s.now = now
	}
}

type loadResult struct {
	items    []model.Item
	err      error
	duration time.Duration
}

// Synchronizer owns the canonical item collection. Mutations go through
// Load, OnInsert, OnUpdate, OnDelete and Apply; readers use Snapshot.
type Synchronizer struct {
	source backend.Source
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	coll     store.Collection
	loading  bool
	err      error
	version  uint64
	loadedAt time.Time

	running atomic.Bool
	reload  chan struct{}

	watchMu  sync.Mutex
	watchers map[uint64]chan struct{}
	nextID   uint64
}

// New creates a new Synchronizer reading from source.
func New(source backend.Source, logger *zap.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		source:   source,
		logger:   logger,
		now:      time.Now,
		reload:   make(chan struct{}, 1),
		watchers: make(map[uint64]chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.coll == nil {
		s.coll = store.NewMemoryCollection()
	}

	return s
}

// Snapshot returns a copy of the current state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Items:    s.coll.List(),
		Loading:  s.loading,
		Err:      s.err,
		Version:  s.version,
		LoadedAt: s.loadedAt,
	}
}

// Get returns the item with the given identifier.
func (s *Synchronizer) Get(id string) (model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.coll.Get(id)
}

// Load runs one bulk query and replaces the collection with its result.
// On failure the collection is cleared and the error is kept in the
// snapshot until the next successful load. A cancelled ctx leaves the
// collection untouched.
func (s *Synchronizer) Load(ctx context.Context) error {
	s.beginLoad()

	res := s.fetch(ctx)
	if ctx.Err() != nil {
		s.abortLoad()
		return ctx.Err()
	}

	return s.finishLoad(res)
}

// Reload asks the running event loop for a new bulk load. Requests made
// while a load is in flight are coalesced into one.
func (s *Synchronizer) Reload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// OnInsert puts item at the head of the collection. Inserts for an
// identifier already present are ignored.
func (s *Synchronizer) OnInsert(item model.Item) bool {
	return s.mutate(model.ChangeInsert, func() bool {
		return s.coll.Prepend(item)
	})
}

// OnUpdate replaces the item with the same identifier in place. Updates
// for unknown identifiers are ignored.
func (s *Synchronizer) OnUpdate(item model.Item) bool {
	return s.mutate(model.ChangeUpdate, func() bool {
		return s.coll.Update(item)
	})
}

// OnDelete removes the item with the given identifier, if present.
func (s *Synchronizer) OnDelete(id string) bool {
	return s.mutate(model.ChangeDelete, func() bool {
		return s.coll.Delete(id)
	})
}

// Apply reduces a single change event into the collection and reports
// whether the collection changed.
func (s *Synchronizer) Apply(ev model.ChangeEvent) bool {
	if err := ev.Validate(); err != nil {
		syncEventsTotal.WithLabelValues(string(ev.Kind), outcomeInvalid).Inc()
		s.logger.Warn("dropping invalid change event", zap.Error(err))
		return false
	}

	switch ev.Kind {
	case model.ChangeInsert:
		return s.OnInsert(ev.Record)
	case model.ChangeUpdate:
		return s.OnUpdate(ev.Record)
	case model.ChangeDelete:
		return s.OnDelete(ev.ID)
	default:
		return false
	}
}

// Run mounts the synchronizer: it opens one change subscription, starts
// the initial load and then handles load results, change events and
// reload requests one at a time until ctx is cancelled. On return the
// subscription is closed and any load still in flight is discarded.
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	results := make(chan loadResult, 1)

	var wg sync.WaitGroup
	defer wg.Wait()

	inFlight := false
	pending := false

	startLoad := func() {
		inFlight = true
		s.beginLoad()

		wg.Add(1)
		go func() {
			defer wg.Done()

			res := s.fetch(ctx)
			select {
			case results <- res:
			case <-ctx.Done():
			}
		}()
	}

	startLoad()

	var events <-chan model.ChangeEvent

	sub, err := s.source.Subscribe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("change stream unavailable, continuing without live updates", zap.Error(err))
		}
	} else {
		events = sub.Events()
		syncSubscribed.Set(1)
		defer func() {
			syncSubscribed.Set(0)
			if err := sub.Close(); err != nil {
				s.logger.Warn("failed to close change stream", zap.Error(err))
			}
		}()
	}

	s.logger.Info("synchronizer started", zap.Bool("subscribed", events != nil))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("synchronizer stopped", zap.Bool("load_in_flight", inFlight))
			return nil

		case res := <-results:
			inFlight = false
			if ctx.Err() != nil {
				continue
			}
			_ = s.finishLoad(res)
			if pending {
				pending = false
				startLoad()
			}

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Warn("change stream ended")
				}
				syncSubscribed.Set(0)
				events = nil
				continue
			}
			s.Apply(ev)

		case <-s.reload:
			if inFlight {
				pending = true
				continue
			}
			startLoad()
		}
	}
}

// Watch returns a channel that receives a value after every state
// change. Notifications coalesce; a slow reader sees at least one signal
// after the latest change. The returned func unregisters the watcher.
func (s *Synchronizer) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

// mutate runs fn under the write lock and publishes the change.
func (s *Synchronizer) mutate(kind model.ChangeKind, fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	if changed {
		s.version++
	}
	size := s.coll.Len()
	s.mu.Unlock()

	if !changed {
		syncEventsTotal.WithLabelValues(string(kind), outcomeIgnored).Inc()
		s.logger.Debug("change event ignored", zap.String("kind", string(kind)))
		return false
	}

	syncEventsTotal.WithLabelValues(string(kind), outcomeApplied).Inc()
	syncCollectionSize.Set(float64(size))
	s.notify()

	return true
}

func (s *Synchronizer) fetch(ctx context.Context) loadResult {
	start := time.Now()
	items, err := s.source.FetchAll(ctx)
	return loadResult{items: items, err: err, duration: time.Since(start)}
}

func (s *Synchronizer) beginLoad() {
	s.mu.Lock()
	s.loading = true
	s.version++
	s.mu.Unlock()

	s.notify()
}

func (s *Synchronizer) abortLoad() {
	s.mu.Lock()
	s.loading = false
	s.version++
	s.mu.Unlock()

	s.notify()
}

// finishLoad applies a bulk query result.
func (s *Synchronizer) finishLoad(res loadResult) error {
	syncLoadDuration.Observe(res.duration.Seconds())

	var loadErr error
	if res.err != nil {
		loadErr = fmt.Errorf("%w: %w", ErrLoadFailed, res.err)
		syncLoadFailuresTotal.Inc()
	}

	s.mu.Lock()
	kept := 0
	if loadErr != nil {
		s.coll.Replace(nil)
	} else {
		kept = s.coll.Replace(res.items)
	}
	s.loading = false
	s.err = loadErr
	s.loadedAt = s.now()
	s.version++
	s.mu.Unlock()

	syncCollectionSize.Set(float64(kept))
	s.notify()

	if loadErr != nil {
		s.logger.Error("bulk load failed",
			zap.Duration("duration", res.duration),
			zap.Error(res.err),
		)
		return loadErr
	}

	if dropped := len(res.items) - kept; dropped > 0 {
		s.logger.Warn("bulk load returned duplicate identifiers", zap.Int("dropped", dropped))
	}

	s.logger.Info("bulk load completed",
		zap.Int("items", kept),
		zap.Duration("duration", res.duration),
	)

	return nil
}

func (s *Synchronizer) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
