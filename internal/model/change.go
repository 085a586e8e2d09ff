package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChangeKind identifies the row-level operation carried by a ChangeEvent.
type ChangeKind string

// Change kinds as reported by the realtime feed.
const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Change event errors.
var (
	ErrUnknownChangeKind = errors.New("unknown change kind")
	ErrMissingRecord     = errors.New("change event has no record")
	ErrInvalidID         = errors.New("record id must be a string or a number")
	ErrInvalidTimestamp  = errors.New("unrecognized timestamp format")
)

// ChangeEvent is a validated row-level change. Insert and Update carry
// Record; Delete carries only ID.
type ChangeEvent struct {
	Kind   ChangeKind `json:"kind"`
	Record Item       `json:"record"`
	ID     string     `json:"id,omitempty"`
}

// NewInsertEvent creates an insert event for item.
func NewInsertEvent(item Item) ChangeEvent {
	return ChangeEvent{Kind: ChangeInsert, Record: item, ID: item.ID}
}

// NewUpdateEvent creates an update event for item.
func NewUpdateEvent(item Item) ChangeEvent {
	return ChangeEvent{Kind: ChangeUpdate, Record: item, ID: item.ID}
}

// NewDeleteEvent creates a delete event for the given identifier.
func NewDeleteEvent(id string) ChangeEvent {
	return ChangeEvent{Kind: ChangeDelete, ID: id}
}

// Validate checks that the event is well formed for its kind.
func (e *ChangeEvent) Validate() error {
	switch e.Kind {
	case ChangeInsert, ChangeUpdate:
		if err := e.Record.Validate(); err != nil {
			return fmt.Errorf("%s event: %w", strings.ToLower(string(e.Kind)), err)
		}
		return nil
	case ChangeDelete:
		if e.ID == "" {
			return fmt.Errorf("delete event: %w", ErrEmptyID)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChangeKind, e.Kind)
	}
}

// wireRecord is a row as it arrives from the bulk query or the realtime
// feed. Ids and timestamps are loosely typed there.
type wireRecord struct {
	ID          json.RawMessage `json:"id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Latitude    float64         `json:"location_lat"`
	Longitude   float64         `json:"location_lng"`
	ImageURL    *string         `json:"image_url"`
	ContactInfo string          `json:"contact_info"`
	CreatedAt   string          `json:"created_at"`
	Status      string          `json:"status"`
}

// DecodeRecord decodes and validates a single row.
func DecodeRecord(data json.RawMessage) (Item, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return Item{}, ErrMissingRecord
	}

	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Item{}, fmt.Errorf("decoding record: %w", err)
	}

	id, err := decodeID(w.ID)
	if err != nil {
		return Item{}, err
	}

	var createdAt time.Time
	if w.CreatedAt != "" {
		createdAt, err = ParseTimestamp(w.CreatedAt)
		if err != nil {
			return Item{}, fmt.Errorf("record %s: %w", id, err)
		}
	}

	item := Item{
		ID:          id,
		UserID:      w.UserID,
		Name:        w.Name,
		Category:    w.Category,
		Latitude:    w.Latitude,
		Longitude:   w.Longitude,
		ImageURL:    w.ImageURL,
		ContactInfo: w.ContactInfo,
		CreatedAt:   createdAt,
		Status:      w.Status,
	}

	if err := item.Validate(); err != nil {
		return Item{}, fmt.Errorf("record %q: %w", id, err)
	}

	return item, nil
}

// DecodeChange builds a validated ChangeEvent from a realtime payload.
// Deletes take their identifier from oldRecord, which usually only holds
// the primary key.
func DecodeChange(kind string, record, oldRecord json.RawMessage) (ChangeEvent, error) {
	switch ChangeKind(strings.ToUpper(kind)) {
	case ChangeInsert:
		item, err := DecodeRecord(record)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("insert event: %w", err)
		}
		return NewInsertEvent(item), nil
	case ChangeUpdate:
		item, err := DecodeRecord(record)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("update event: %w", err)
		}
		return NewUpdateEvent(item), nil
	case ChangeDelete:
		var key struct {
			ID json.RawMessage `json:"id"`
		}
		if len(oldRecord) == 0 {
			return ChangeEvent{}, fmt.Errorf("delete event: %w", ErrMissingRecord)
		}
		if err := json.Unmarshal(oldRecord, &key); err != nil {
			return ChangeEvent{}, fmt.Errorf("delete event: decoding old record: %w", err)
		}
		id, err := decodeID(key.ID)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("delete event: %w", err)
		}
		return NewDeleteEvent(id), nil
	default:
		return ChangeEvent{}, fmt.Errorf("%w: %q", ErrUnknownChangeKind, kind)
	}
}

// decodeID accepts a JSON string or number and returns it as a string.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrEmptyID
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidID, err)
		}
		if s == "" {
			return "", ErrEmptyID
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", ErrInvalidID
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", ErrInvalidID
	}
	return n.String(), nil
}

// timestampLayouts are tried in order by ParseTimestamp. Layouts without a
// zone are interpreted as UTC, which is how Postgres timestamptz values
// without an offset are emitted by the realtime feed.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses the timestamp formats produced by the backend.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
}
