// Package handler provides HTTP request handlers for the REST API and the
// live view websocket.
package handler

import (
	"time"

	"github.com/vyrodovalexey/lostfound/internal/livesync"
	"github.com/vyrodovalexey/lostfound/internal/model"
)

// LiveCollection is the synchronized collection as seen by handlers.
type LiveCollection interface {
	Snapshot() livesync.Snapshot
	Get(id string) (model.Item, error)
	Reload()
	Watch() (<-chan struct{}, func())
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status   string     `json:"status"`
	Items    int        `json:"items"`
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// ReloadResponse is returned when a manual reload was scheduled.
type ReloadResponse struct {
	Status string `json:"status"`
}
