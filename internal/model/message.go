package model

import (
	"encoding/json"
	"time"
)

// WebSocket message types.
const (
	WSMessageTypeView     = "view"
	WSMessageTypeCriteria = "criteria"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
	WSMessageTypeError    = "error"
)

// WebSocketMessage represents a message sent over a live view connection.
// Payload holds a view for "view" messages and criteria for "criteria"
// messages.
type WebSocketMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewViewMessage creates a message carrying an encoded view.
func NewViewMessage(view any) (WebSocketMessage, error) {
	payload, err := json.Marshal(view)
	if err != nil {
		return WebSocketMessage{}, err
	}

	return WebSocketMessage{
		Type:      WSMessageTypeView,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewPongMessage creates a pong reply.
func NewPongMessage() WebSocketMessage {
	return WebSocketMessage{
		Type:      WSMessageTypePong,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorMessage creates an error message for the client.
func NewErrorMessage(errMsg string) WebSocketMessage {
	return WebSocketMessage{
		Type:      WSMessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
}
