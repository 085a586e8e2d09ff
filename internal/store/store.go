// Package store provides the ordered item collection kept in sync with the
// backend.
package store

import (
	"errors"

	"github.com/vyrodovalexey/lostfound/internal/model"
)

// Store errors.
var (
	ErrNotFound = errors.New("item not found")
)

// Collection is an ordered sequence of items with unique identifiers.
// Position is significant: index 0 is the head of the list shown to users.
type Collection interface {
	// Replace discards the current contents and stores items in the given
	// order. Later duplicates of an identifier are dropped.
	Replace(items []model.Item) int

	// Prepend puts item at the head. It reports false and changes nothing
	// when the identifier is already present.
	Prepend(item model.Item) bool

	// Update replaces the item with the same identifier in place. It
	// reports false when the identifier is unknown.
	Update(item model.Item) bool

	// Delete removes the item with the given identifier. It reports false
	// when the identifier is unknown.
	Delete(id string) bool

	// Get retrieves an item by its ID.
	Get(id string) (model.Item, error)

	// List returns a copy of all items in collection order.
	List() []model.Item

	// Len returns the number of items.
	Len() int
}
