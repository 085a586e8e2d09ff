package store

import (
	"slices"
	"sync"

	"github.com/vyrodovalexey/lostfound/internal/model"
)

// MemoryCollection implements Collection with an in-memory slice and an
// identifier index.
type MemoryCollection struct {
	mu    sync.RWMutex
	items []model.Item
	index map[string]int
}

// NewMemoryCollection creates a new, empty MemoryCollection.
func NewMemoryCollection() *MemoryCollection {
	return &MemoryCollection{
		index: make(map[string]int),
	}
}

// Replace discards the current contents and stores items in order.
// It returns the number of items kept.
func (c *MemoryCollection) Replace(items []model.Item) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make([]model.Item, 0, len(items))
	c.index = make(map[string]int, len(items))

	for _, item := range items {
		if _, exists := c.index[item.ID]; exists {
			continue
		}
		c.index[item.ID] = len(c.items)
		c.items = append(c.items, item)
	}

	return len(c.items)
}

// Prepend puts item at the head of the collection.
func (c *MemoryCollection) Prepend(item model.Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[item.ID]; exists {
		return false
	}

	c.items = slices.Insert(c.items, 0, item)
	for id, i := range c.index {
		c.index[id] = i + 1
	}
	c.index[item.ID] = 0

	return true
}

// Update replaces the item with the same identifier, keeping its position.
func (c *MemoryCollection) Update(item model.Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, exists := c.index[item.ID]
	if !exists {
		return false
	}

	c.items[i] = item

	return true
}

// Delete removes the item with the given identifier.
func (c *MemoryCollection) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, exists := c.index[id]
	if !exists {
		return false
	}

	c.items = slices.Delete(c.items, i, i+1)
	delete(c.index, id)
	for j := i; j < len(c.items); j++ {
		c.index[c.items[j].ID] = j
	}

	return true
}

// Get retrieves an item by its ID.
func (c *MemoryCollection) Get(id string) (model.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, exists := c.index[id]
	if !exists {
		return model.Item{}, ErrNotFound
	}

	return c.items[i], nil
}

// List returns a copy of all items in collection order.
func (c *MemoryCollection) List() []model.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]model.Item, len(c.items))
	copy(items, c.items)

	return items
}

// Len returns the number of items.
func (c *MemoryCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}
