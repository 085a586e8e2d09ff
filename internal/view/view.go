// Package view is the rendering boundary between the synchronizer and
// presentation: it turns a collection snapshot and a criteria state into
// the list a client displays.
package view

import (
	"net/url"
	"time"

	"github.com/vyrodovalexey/lostfound/internal/livesync"
	"github.com/vyrodovalexey/lostfound/internal/model"
	"github.com/vyrodovalexey/lostfound/internal/search"
)

// View is the derived list handed to presentation. Empty is only set
// once loading finished without error and nothing matched.
type View struct {
	Items   []model.Item `json:"items"`
	Total   int          `json:"total"`
	Loading bool         `json:"loading"`
	Error   string       `json:"error,omitempty"`
	Empty   bool         `json:"empty"`
	Version uint64       `json:"version"`
}

// Build runs the pipeline over snap with the given criteria.
func Build(snap livesync.Snapshot, c search.Criteria, p *search.Pipeline) View {
	items := p.Apply(snap.Items, c)

	v := View{
		Items:   items,
		Total:   len(items),
		Loading: snap.Loading,
		Version: snap.Version,
	}
	if snap.Err != nil {
		v.Error = snap.Err.Error()
	}
	v.Empty = !v.Loading && v.Error == "" && v.Total == 0

	return v
}

// CriteriaParams is the wire form of search.Criteria used by live view
// clients. Field names match the REST query parameters.
type CriteriaParams struct {
	Query    string `json:"q"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Sort     string `json:"sort"`
}

// Values converts the params into query values.
func (p CriteriaParams) Values() url.Values {
	return url.Values{
		search.ParamQuery:    {p.Query},
		search.ParamCategory: {p.Category},
		search.ParamStatus:   {p.Status},
		search.ParamStart:    {p.Start},
		search.ParamEnd:      {p.End},
		search.ParamSort:     {p.Sort},
	}
}

// Session is the state of one live view: its criteria and the last
// collection version it rendered.
type Session struct {
	pipeline *search.Pipeline
	loc      *time.Location

	criteria search.Criteria
	version  uint64
	dirty    bool
}

// NewSession creates a Session with default criteria. Dates sent by the
// client are read in loc.
func NewSession(p *search.Pipeline, loc *time.Location) *Session {
	if p == nil {
		p = search.NewPipeline(nil)
	}

	return &Session{
		pipeline: p,
		loc:      loc,
		criteria: search.Criteria{Sort: search.SortNewest},
		dirty:    true,
	}
}

// Criteria returns the current criteria.
func (s *Session) Criteria() search.Criteria {
	return s.criteria
}

// SetCriteria replaces the criteria.
func (s *Session) SetCriteria(c search.Criteria) {
	s.criteria = c
	s.dirty = true
}

// SetParams parses and applies wire criteria. Invalid params leave the
// current criteria unchanged.
func (s *Session) SetParams(p CriteriaParams) error {
	c, err := search.ParseCriteria(p.Values(), s.loc)
	if err != nil {
		return err
	}

	s.SetCriteria(c)

	return nil
}

// Stale reports whether a render is due for a snapshot at version.
func (s *Session) Stale(version uint64) bool {
	return s.dirty || version != s.version
}

// Render builds the view for snap and marks it as rendered.
func (s *Session) Render(snap livesync.Snapshot) View {
	s.version = snap.Version
	s.dirty = false

	return Build(snap, s.criteria, s.pipeline)
}
