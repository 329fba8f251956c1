// Package container provides the identifier-keyed object registry shared by an algorithm
// and all of its steps.
//
// The container is populated while the runtime initializes and is treated as read-only
// once steps start running. Bulk lookups by capability are expressed with the generic
// SonsOf helper:
//
//	subjects := container.SonsOf[*stepping.Subject](c)
package container

import (
	"fmt"
	"sync"

	sterrors "github.com/wehubfusion/stepping/pkg/errors"
)

// Identifiable is implemented by objects that carry their own id.
type Identifiable interface {
	ID() string
}

type entry struct {
	id  string
	obj any
}

// Container maps ids to registered objects and remembers registration order.
type Container struct {
	mu      sync.RWMutex
	index   map[string]int
	entries []entry
}

// New creates an empty container
func New() *Container {
	return &Container{
		index: make(map[string]int),
	}
}

// Add registers obj under id. It fails with ErrDuplicateID if id is already taken.
func (c *Container) Add(id string, obj any) error {
	if id == "" {
		return fmt.Errorf("cannot register %T: empty id", obj)
	}
	if obj == nil {
		return fmt.Errorf("cannot register nil object under id %q", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[id]; ok {
		return fmt.Errorf("%w: %q", sterrors.ErrDuplicateID, id)
	}
	c.index[id] = len(c.entries)
	c.entries = append(c.entries, entry{id: id, obj: obj})
	return nil
}

// AddIdentifiable registers obj under its own id.
func (c *Container) AddIdentifiable(obj Identifiable) error {
	return c.Add(obj.ID(), obj)
}

// Set registers obj under id, replacing any previous object with the same id.
// A replaced object keeps its original registration position.
func (c *Container) Set(id string, obj any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[id]; ok {
		c.entries[i].obj = obj
		return
	}
	c.index[id] = len(c.entries)
	c.entries = append(c.entries, entry{id: id, obj: obj})
}

// GetByID returns the object registered under id.
func (c *Container) GetByID(id string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return c.entries[i].obj, true
}

// Exists reports whether id is registered
func (c *Container) Exists(id string) bool {
	_, ok := c.GetByID(id)
	return ok
}

// IDs returns every registered id in registration order.
func (c *Container) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.id
	}
	return ids
}

// Len returns the number of registered objects
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Container) snapshot() []entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Get returns the object registered under id if it is a T.
func Get[T any](c *Container, id string) (T, bool) {
	var zero T
	obj, ok := c.GetByID(id)
	if !ok {
		return zero, false
	}
	t, ok := obj.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// SonsOf returns every registered object whose type satisfies T, in registration order.
// The returned slice is a snapshot; objects registered afterwards are not included.
func SonsOf[T any](c *Container) []T {
	var out []T
	for _, e := range c.snapshot() {
		if t, ok := e.obj.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
