// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package registry provides an insertion-ordered collection of service
// bindings, keyed by identifier. A binding is either a ready instance or a
// descriptor that constructs the instance on first use.
package registry

// A Descriptor marks a binding whose instance is constructed lazily.
type Descriptor struct {
	// New constructs the instance. It is invoked at most once, on the first
	// Get of the binding; the result replaces the descriptor.
	New func() any
}

// A Collection is an ordered mapping from identifiers to service bindings.
// Iteration order is insertion order; re-binding an identifier keeps its
// original position. A zero Collection is ready for use.
//
// A Collection is not safe for concurrent use without external
// synchronization.
type Collection struct {
	order    []string
	bindings map[string]any
}

// Set binds id to v, which may be an instance or a [Descriptor], and
// returns the previous binding for id, or nil.
func (c *Collection) Set(id string, v any) (prev any) {
	if c.bindings == nil {
		c.bindings = make(map[string]any)
	}
	prev, ok := c.bindings[id]
	if !ok {
		c.order = append(c.order, id)
	}
	c.bindings[id] = v
	return prev
}

// Has reports whether id is bound in c.
func (c *Collection) Has(id string) bool { _, ok := c.bindings[id]; return ok }

// Get returns the instance bound to id. If the binding is a [Descriptor],
// its instance is constructed, recorded in place of the descriptor, and
// returned. The second result reports whether id was bound.
func (c *Collection) Get(id string) (any, bool) {
	v, ok := c.bindings[id]
	if !ok {
		return nil, false
	}
	if d, isDesc := v.(Descriptor); isDesc {
		v = d.New()
		c.bindings[id] = v
	}
	return v, true
}

// Len reports the number of bindings in c.
func (c *Collection) Len() int { return len(c.bindings) }

// Keys returns the bound identifiers in insertion order.
func (c *Collection) Keys() []string {
	keys := make([]string, len(c.order))
	copy(keys, c.order)
	return keys
}
