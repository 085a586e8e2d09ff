// Package backend talks to the hosted data service that owns the lost
// item table: a PostgREST style query endpoint and a realtime websocket
// feed of row-level changes.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/lostfound/internal/model"
)

// Backend errors.
var (
	ErrMissingURL          = errors.New("backend URL must be set")
	ErrMissingAPIKey       = errors.New("backend API key must be set")
	ErrSubscriptionClosed  = errors.New("subscription closed")
	ErrJoinRejected        = errors.New("realtime channel join rejected")
	ErrUnexpectedScheme    = errors.New("backend URL scheme must be http or https")
	ErrUnexpectedRowFormat = errors.New("bulk query did not return a JSON array")
)

// Source is the data service as seen by the synchronizer.
type Source interface {
	// FetchAll returns every item ordered by creation time, newest first.
	FetchAll(ctx context.Context) ([]model.Item, error)

	// Subscribe opens a change stream for the item table.
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is an open change stream.
type Subscription interface {
	// Events delivers validated changes in arrival order. The channel is
	// closed when the stream ends.
	Events() <-chan model.ChangeEvent

	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// APIError is a non-2xx reply from the query endpoint.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Hint       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("backend returned status %d", e.StatusCode)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
