// Package model defines data structures used throughout the application.
package model

import (
	"errors"
	"time"
)

// Validation errors for Item.
var (
	ErrEmptyID          = errors.New("item id cannot be empty")
	ErrMissingCreatedAt = errors.New("item created_at cannot be empty")
	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")
)

// Item statuses known to the application. The backend does not enforce
// these, so any other string is still a valid status.
const (
	StatusPending = "pending"
	StatusFound   = "found"
	StatusClosed  = "closed"
)

// Item categories offered by the report form.
const (
	CategoryElectronics = "electronics"
	CategoryBooks       = "books"
	CategoryAccessories = "accessories"
	CategoryIDs         = "ids"
	CategoryOther       = "other"
)

// Item is a single lost item report.
type Item struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Latitude    float64   `json:"location_lat"`
	Longitude   float64   `json:"location_lng"`
	ImageURL    *string   `json:"image_url"`
	ContactInfo string    `json:"contact_info"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
}

// Validate checks if the Item carries the fields the collection relies on.
func (i *Item) Validate() error {
	if i.ID == "" {
		return ErrEmptyID
	}

	if i.CreatedAt.IsZero() {
		return ErrMissingCreatedAt
	}

	return nil
}

// ValidateLocation checks the reported coordinates. Items with a bad
// location stay in the collection and are only left out of distance
// based recommendations.
func (i *Item) ValidateLocation() error {
	if i.Latitude < -90 || i.Latitude > 90 {
		return ErrInvalidLatitude
	}

	if i.Longitude < -180 || i.Longitude > 180 {
		return ErrInvalidLongitude
	}

	return nil
}

// HasImage reports whether the item has an uploaded photo.
func (i *Item) HasImage() bool {
	return i.ImageURL != nil && *i.ImageURL != ""
}

// APIResponse is a generic wrapper for successful API responses. Failures
// are answered with ErrorResponse.
type APIResponse[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data,omitempty"`
}

// NewSuccessResponse creates a successful API response.
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Success: true,
		Data:    data,
	}
}

// ErrorResponse represents an error response structure.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
