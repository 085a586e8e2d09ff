// Package search derives the displayed subset of the item collection from
// the user's filter criteria.
package search

import (
	"slices"
	"strings"
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/vyrodovalexey/lostfound/internal/model"
)

// Matcher defaults.
const (
	DefaultThreshold = 0.3
	DefaultDistance  = 100
)

// Field extracts a searchable string from an item.
type Field func(item *model.Item) string

// DefaultFields are the item fields matched by free-text search.
var DefaultFields = []Field{
	func(item *model.Item) string { return item.Name },
	func(item *model.Item) string { return item.Category },
	func(item *model.Item) string { return item.ContactInfo },
}

// Matcher performs approximate, case-insensitive matching of a query
// against a set of item fields using the Bitap algorithm. A field matches
// when errors/len(query) + offset/distance stays within the threshold.
type Matcher struct {
	threshold float64
	distance  int
	fields    []Field
	dmp       *diffpatch.DiffMatchPatch
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithThreshold sets the similarity threshold (0 = exact, 1 = anything).
func WithThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// WithDistance sets how far from the start of a field a match may drift
// before the offset alone exceeds the threshold.
func WithDistance(distance int) MatcherOption {
	return func(m *Matcher) {
		m.distance = distance
	}
}

// WithFields overrides the matched fields.
func WithFields(fields ...Field) MatcherOption {
	return func(m *Matcher) {
		m.fields = fields
	}
}

// NewMatcher creates a Matcher with the given options.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		threshold: DefaultThreshold,
		distance:  DefaultDistance,
		fields:    DefaultFields,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.dmp = diffpatch.New()
	m.dmp.MatchThreshold = m.threshold
	m.dmp.MatchDistance = m.distance

	return m
}

// scored is an item accepted by the matcher with its best field score.
type scored struct {
	item  model.Item
	score float64
}

// Search returns the items matching query, best match first. Items with
// equal scores keep their input order. An empty query returns items
// unchanged.
func (m *Matcher) Search(items []model.Item, query string) []model.Item {
	if query == "" {
		return items
	}

	pattern := m.pattern(query)

	matches := make([]scored, 0, len(items))
	for i := range items {
		if score, ok := m.Score(&items[i], pattern); ok {
			matches = append(matches, scored{item: items[i], score: score})
		}
	}

	slices.SortStableFunc(matches, func(a, b scored) int {
		switch {
		case a.score < b.score:
			return -1
		case a.score > b.score:
			return 1
		default:
			return 0
		}
	})

	out := make([]model.Item, len(matches))
	for i, match := range matches {
		out[i] = match.item
	}

	return out
}

// Score returns the best score of pattern across the item's fields and
// whether any field matched. pattern must already be normalized.
func (m *Matcher) Score(item *model.Item, pattern string) (float64, bool) {
	best, found := 0.0, false

	for _, field := range m.fields {
		text := strings.ToLower(field(item))
		score, ok := m.scoreText(text, pattern)
		if !ok {
			continue
		}
		if !found || score < best {
			best, found = score, true
		}
	}

	return best, found
}

// scoreText locates pattern in text and scores the located window.
func (m *Matcher) scoreText(text, pattern string) (float64, bool) {
	if text == "" {
		return 0, false
	}

	loc := m.dmp.MatchMain(text, pattern, 0)
	if loc < 0 {
		return 0, false
	}

	end := min(loc+len(pattern), len(text))
	errs := m.dmp.DiffLevenshtein(m.dmp.DiffMain(pattern, text[loc:end], false))

	accuracy := float64(errs) / float64(len(pattern))
	if m.distance == 0 {
		if loc == 0 {
			return accuracy, true
		}
		return accuracy + 1, true
	}

	return accuracy + float64(loc)/float64(m.distance), true
}

// pattern lower-cases the query and cuts it to the Bitap word size
// without splitting a rune.
func (m *Matcher) pattern(query string) string {
	p := strings.ToLower(query)

	limit := m.dmp.MatchMaxBits
	if len(p) <= limit {
		return p
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(p[cut]) {
		cut--
	}

	return p[:cut]
}

// Normalize prepares a query for Score.
func (m *Matcher) Normalize(query string) string {
	return m.pattern(query)
}
