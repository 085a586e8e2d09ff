package search

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DateLayout is the layout of date bounds entered by users.
const DateLayout = "2006-01-02"

// Criteria parsing errors.
var (
	ErrInvalidDate      = errors.New("date must use the YYYY-MM-DD format")
	ErrInvalidSortOrder = errors.New("sort must be one of: newest, oldest")
)

// SortOrder is the final ordering applied by the pipeline.
type SortOrder string

// Sort orders.
const (
	SortNewest SortOrder = "newest"
	SortOldest SortOrder = "oldest"
)

// ParseSortOrder parses a sort key. An empty key means newest first.
func ParseSortOrder(value string) (SortOrder, error) {
	switch SortOrder(strings.ToLower(strings.TrimSpace(value))) {
	case "", SortNewest:
		return SortNewest, nil
	case SortOldest:
		return SortOldest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSortOrder, value)
	}
}

// DateRange bounds the creation timestamp. A zero bound is unset. Both
// bounds are inclusive instants; an end date therefore means midnight at
// the start of that day.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Contains reports whether t satisfies the set bounds.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Criteria is the filter state of a search view. Empty Category and
// Status mean "all".
type Criteria struct {
	Query    string
	Category string
	Status   string
	Range    DateRange
	Sort     SortOrder
}

// Query parameter names understood by ParseCriteria.
const (
	ParamQuery    = "q"
	ParamCategory = "category"
	ParamStatus   = "status"
	ParamStart    = "start"
	ParamEnd      = "end"
	ParamSort     = "sort"
)

// ParseCriteria builds Criteria from URL query values. Dates are read as
// midnight in loc (UTC when nil). An end date before the start date is
// accepted as is.
func ParseCriteria(values url.Values, loc *time.Location) (Criteria, error) {
	c := Criteria{
		Query:    values.Get(ParamQuery),
		Category: strings.TrimSpace(values.Get(ParamCategory)),
		Status:   strings.TrimSpace(values.Get(ParamStatus)),
	}

	sort, err := ParseSortOrder(values.Get(ParamSort))
	if err != nil {
		return Criteria{}, err
	}
	c.Sort = sort

	if c.Range.Start, err = ParseDate(values.Get(ParamStart), loc); err != nil {
		return Criteria{}, fmt.Errorf("start: %w", err)
	}

	if c.Range.End, err = ParseDate(values.Get(ParamEnd), loc); err != nil {
		return Criteria{}, fmt.Errorf("end: %w", err)
	}

	return c, nil
}

// ParseDate parses a YYYY-MM-DD day as midnight in loc. An empty value
// yields the zero time.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}

	if loc == nil {
		loc = time.UTC
	}

	t, err := time.ParseInLocation(DateLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}

	return t, nil
}

// Values encodes the criteria back into query values.
func (c Criteria) Values() url.Values {
	v := url.Values{}
	if c.Query != "" {
		v.Set(ParamQuery, c.Query)
	}
	if c.Category != "" {
		v.Set(ParamCategory, c.Category)
	}
	if c.Status != "" {
		v.Set(ParamStatus, c.Status)
	}
	if !c.Range.Start.IsZero() {
		v.Set(ParamStart, c.Range.Start.Format(DateLayout))
	}
	if !c.Range.End.IsZero() {
		v.Set(ParamEnd, c.Range.End.Format(DateLayout))
	}
	if c.Sort != "" {
		v.Set(ParamSort, string(c.Sort))
	}
	return v
}
