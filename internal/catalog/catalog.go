// Package catalog maps table names to ids and ids to per-table state.
package catalog

import (
	"fmt"
	"slices"
	"sync"

	"github.com/thebardofavon/nvram-db/internal/base"
)

var (
	ErrNotFound = fmt.Errorf("table not found: %w", base.ErrNotFound)
	ErrExists   = fmt.Errorf("table already exists: %w", base.ErrAlreadyExists)
	ErrFull     = fmt.Errorf("table catalog full: %w", base.ErrCapacityExhausted)
)

// Catalog owns the name->id and id->state maps. Ids are handed out in
// increasing order and never reused while the catalog lives.
type Catalog[T any] struct {
	mu     sync.RWMutex
	byName map[string]uint32
	byID   map[uint32]T
	names  map[uint32]string
	nextID uint32
	limit  int
}

// New creates an empty catalog holding at most limit tables; limit <= 0 means
// unbounded.
func New[T any](limit int) *Catalog[T] {
	return &Catalog[T]{
		byName: make(map[string]uint32),
		byID:   make(map[uint32]T),
		names:  make(map[uint32]string),
		nextID: 1,
		limit:  limit,
	}
}

// Reserve checks that name could be added and returns the id it would get.
// The caller builds the state with that id and hands it to Add.
func (c *Catalog[T]) Reserve(name string) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.byName[name]; ok {
		return 0, fmt.Errorf("%q: %w", name, ErrExists)
	}
	if c.limit > 0 && len(c.byID) >= c.limit {
		return 0, ErrFull
	}
	return c.nextID, nil
}

// Add registers state under name and id. Recovered ids may arrive in any
// order; the next fresh id is always above every id seen.
func (c *Catalog[T]) Add(name string, id uint32, state T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrExists)
	}
	if _, ok := c.byID[id]; ok {
		return fmt.Errorf("table id %d: %w", id, ErrExists)
	}
	if c.limit > 0 && len(c.byID) >= c.limit {
		return ErrFull
	}

	c.byName[name] = id
	c.byID[id] = state
	c.names[id] = name
	c.nextID = max(c.nextID, id+1)
	return nil
}

func (c *Catalog[T]) ByName(name string) (uint32, T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byName[name]
	if !ok {
		var zero T
		return 0, zero, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return id, c.byID[id], nil
}

func (c *Catalog[T]) ByID(id uint32) (T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.byID[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("table id %d: %w", id, ErrNotFound)
	}
	return state, nil
}

// Remove unregisters name and returns its state.
func (c *Catalog[T]) Remove(name string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byName[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	state := c.byID[id]
	delete(c.byName, name)
	delete(c.byID, id)
	delete(c.names, id)
	return state, nil
}

// Range calls fn for each table in id order until fn returns false.
func (c *Catalog[T]) Range(fn func(id uint32, name string, state T) bool) {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		c.mu.RLock()
		state, ok := c.byID[id]
		name := c.names[id]
		c.mu.RUnlock()
		if ok && !fn(id, name, state) {
			return
		}
	}
}

func (c *Catalog[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Clear empties the catalog and returns the states it held in id order.
func (c *Catalog[T]) Clear() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]uint32, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.byID[id])
	}
	clear(c.byName)
	clear(c.byID)
	clear(c.names)
	return out
}
