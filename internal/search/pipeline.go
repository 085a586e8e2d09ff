package search

import (
	"slices"

	"github.com/vyrodovalexey/lostfound/internal/model"
)

// Pipeline applies free-text, category, status, date range and sort
// stages, in that order, to a snapshot of the collection.
type Pipeline struct {
	matcher *Matcher
}

// NewPipeline creates a Pipeline using the given matcher. A nil matcher
// gets the default configuration.
func NewPipeline(matcher *Matcher) *Pipeline {
	if matcher == nil {
		matcher = NewMatcher()
	}
	return &Pipeline{matcher: matcher}
}

// Matcher returns the pipeline's free-text matcher.
func (p *Pipeline) Matcher() *Matcher {
	return p.matcher
}

// Apply returns the items to display for c. The input slice is never
// modified; the result is always a new, non-nil slice.
func (p *Pipeline) Apply(items []model.Item, c Criteria) []model.Item {
	results := p.matcher.Search(items, c.Query)

	filtered := make([]model.Item, 0, len(results))
	for i := range results {
		if matchesFilters(&results[i], c) {
			filtered = append(filtered, results[i])
		}
	}

	sortItems(filtered, c.Sort)

	return filtered
}

// matchesFilters evaluates the category, status and date range stages.
func matchesFilters(item *model.Item, c Criteria) bool {
	if c.Category != "" && item.Category != c.Category {
		return false
	}

	if c.Status != "" && item.Status != c.Status {
		return false
	}

	return c.Range.Contains(item.CreatedAt)
}

// sortItems orders items by creation time. Items created at the same
// instant keep their relative order.
func sortItems(items []model.Item, order SortOrder) {
	switch order {
	case SortOldest:
		slices.SortStableFunc(items, func(a, b model.Item) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
	default:
		slices.SortStableFunc(items, func(a, b model.Item) int {
			return b.CreatedAt.Compare(a.CreatedAt)
		})
	}
}
