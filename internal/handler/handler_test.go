package handler

import (
	"slices"
	"sync"
	"time"

	"github.com/vyrodovalexey/lostfound/internal/livesync"
	"github.com/vyrodovalexey/lostfound/internal/model"
	"github.com/vyrodovalexey/lostfound/internal/store"
)

var testTime = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

// mockCollection implements LiveCollection for testing.
type mockCollection struct {
	mu       sync.Mutex
	snap     livesync.Snapshot
	reloads  int
	watchers map[int]chan struct{}
	nextID   int
}

func newMockCollection(items ...model.Item) *mockCollection {
	return &mockCollection{
		snap: livesync.Snapshot{
			Items:    items,
			Version:  1,
			LoadedAt: testTime,
		},
		watchers: make(map[int]chan struct{}),
	}
}

func (m *mockCollection) Snapshot() livesync.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snap
	snap.Items = slices.Clone(m.snap.Items)
	return snap
}

func (m *mockCollection) Get(id string) (model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.snap.Items {
		if item.ID == id {
			return item, nil
		}
	}
	return model.Item{}, store.ErrNotFound
}

func (m *mockCollection) Reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reloads++
}

func (m *mockCollection) Watch() (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan struct{}, 1)
	m.watchers[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// update replaces the snapshot and notifies watchers.
func (m *mockCollection) update(fn func(*livesync.Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(&m.snap)
	m.snap.Version++

	for _, ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *mockCollection) reloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reloads
}

func (m *mockCollection) watcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.watchers)
}

func testItem(id, name, category, status string, created time.Time) model.Item {
	return model.Item{
		ID:          id,
		Name:        name,
		Category:    category,
		Status:      status,
		ContactInfo: "owner@usf.edu",
		Latitude:    28.0595,
		Longitude:   -82.4123,
		CreatedAt:   created,
	}
}
