package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lostfound/internal/livesync"
	"github.com/vyrodovalexey/lostfound/internal/search"
	"github.com/vyrodovalexey/lostfound/internal/store"
	"github.com/vyrodovalexey/lostfound/internal/view"
)

// ErrItemNotFound is returned by similar for an unknown id.
var ErrItemNotFound = errors.New("item not found")

// criteriaFlags binds the filter flags shared by search and watch.
type criteriaFlags struct {
	category string
	status   string
	start    string
	end      string
	sort     string
}

func (f *criteriaFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.category, "category", "c", "", "only items in this category")
	cmd.Flags().StringVarP(&f.status, "status", "s", "", "only items with this status (pending, found, closed)")
	cmd.Flags().StringVar(&f.start, "start", "", "created on or after this day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "created before this day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.sort, "sort", string(search.SortNewest), "sort order (newest, oldest)")
}

// params joins positional query words with the flag values.
func (f *criteriaFlags) params(args []string) view.CriteriaParams {
	return view.CriteriaParams{
		Query:    strings.Join(args, " "),
		Category: f.category,
		Status:   f.status,
		Start:    f.start,
		End:      f.end,
		Sort:     f.sort,
	}
}

func newSearchCommand(a *app) *cobra.Command {
	var flags criteriaFlags

	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "List items matching the search criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria, err := search.ParseCriteria(flags.params(args).Values(), a.cfg.Location())
			if err != nil {
				return err
			}

			coll, err := a.load(cmd.Context())
			if err != nil {
				return err
			}

			items := coll.List()
			matched := a.pipeline.Apply(items, criteria)
			a.logger.Debug("search complete",
				zap.Int("loaded", len(items)),
				zap.Int("matched", len(matched)),
				zap.String("criteria", criteria.Values().Encode()),
			)

			return a.printItems(matched)
		},
	}
	flags.bind(cmd)

	return cmd
}

func newSimilarCommand(a *app) *cobra.Command {
	var (
		radiusKm float64
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "similar <id>",
		Short: "List items of the same category found nearby",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if radiusKm <= 0 {
				return fmt.Errorf("radius must be positive: %v", radiusKm)
			}
			if limit < 0 {
				return fmt.Errorf("limit must not be negative: %d", limit)
			}

			coll, err := a.load(cmd.Context())
			if err != nil {
				return err
			}

			target, err := coll.Get(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrItemNotFound, args[0])
			}

			return a.printItems(search.Similar(coll.List(), target, radiusKm, limit))
		},
	}
	cmd.Flags().Float64Var(&radiusKm, "radius-km", search.DefaultSimilarRadiusKm, "search radius in kilometres")
	cmd.Flags().IntVar(&limit, "limit", search.DefaultSimilarLimit, "maximum number of suggestions")

	return cmd
}

// load fetches the collection once. Rows repeating an id keep their
// first occurrence, as in the live collection.
func (a *app) load(ctx context.Context) (*store.MemoryCollection, error) {
	items, err := a.source.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading items: %w", err)
	}

	coll := store.NewMemoryCollection()
	if kept := coll.Replace(items); kept != len(items) {
		a.logger.Warn("bulk load returned duplicate identifiers", zap.Int("dropped", len(items)-kept))
	}
	return coll, nil
}

func newWatchCommand(a *app) *cobra.Command {
	var flags criteriaFlags

	cmd := &cobra.Command{
		Use:   "watch [query...]",
		Short: "Keep the result list up to date as items change",
		Long: `watch loads the collection, subscribes to the change stream and prints
the filtered list again after every change until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			session := view.NewSession(a.pipeline, a.cfg.Location())
			if err := session.SetParams(flags.params(args)); err != nil {
				return err
			}

			return a.watch(cmd, session)
		},
	}
	flags.bind(cmd)

	return cmd
}

// watch runs a synchronizer and prints a fresh view after every change.
func (a *app) watch(cmd *cobra.Command, session *view.Session) error {
	ctx := cmd.Context()
	sync := livesync.New(a.source, a.logger.Named("livesync"))

	changes, unwatch := sync.Watch()
	defer unwatch()

	done := make(chan error, 1)
	go func() {
		done <- sync.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return <-done
		case err := <-done:
			return err
		case <-changes:
			snap := sync.Snapshot()
			if snap.Loading || !session.Stale(snap.Version) {
				continue
			}
			if err := a.printView(session.Render(snap)); err != nil {
				return err
			}
		}
	}
}
