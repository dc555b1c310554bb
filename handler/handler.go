// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from typed Go functions to channel
// commands, and a descriptor for assembling a duplex.Service from named
// commands and events.
//
// Parameters may be string or []byte, or any type representable as JSON.
// Results may be string, []byte, a duplex.Value passed through verbatim, or
// any type representable as JSON.
package handler

import (
	"context"
	"fmt"

	"github.com/creachadair/duplex"
)

// A Func implements one channel command on decoded wire values.
type Func func(ctx context.Context, arg duplex.Value) (duplex.Value, error)

// An EventFunc produces the stream for one channel event. It is invoked
// once per remote subscription, with the subscription argument. The context
// identifies the subscribing peer and is cancelled when the subscription is
// disposed.
type EventFunc func(ctx context.Context, arg duplex.Value) *duplex.Stream

// A Map is a [duplex.Service] assembled from named commands and events.
// Events are declared explicitly when the map is built; nothing is inferred
// from method naming. A zero Map is ready for use but serves nothing.
type Map struct {
	cmds   map[string]Func
	events map[string]EventFunc
}

// NewMap constructs a new empty service map.
func NewMap() *Map { return &Map{cmds: make(map[string]Func), events: make(map[string]EventFunc)} }

// Command registers f as the implementation of the named command, and
// returns m to permit chaining.
func (m *Map) Command(name string, f Func) *Map {
	if m.cmds == nil {
		m.cmds = make(map[string]Func)
	}
	m.cmds[name] = f
	return m
}

// Event registers f as the source of the named event, and returns m to
// permit chaining.
func (m *Map) Event(name string, f EventFunc) *Map {
	if m.events == nil {
		m.events = make(map[string]EventFunc)
	}
	m.events[name] = f
	return m
}

// Stream registers a fixed stream as the source of the named event,
// ignoring the subscription argument, and returns m to permit chaining.
// All subscribers of the event share s.
func (m *Map) Stream(name string, s *duplex.Stream) *Map {
	return m.Event(name, func(context.Context, duplex.Value) *duplex.Stream { return s })
}

// Call implements part of the [duplex.Service] interface.
func (m *Map) Call(ctx context.Context, name string, arg duplex.Value) (duplex.Value, error) {
	f, ok := m.cmds[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	return f(ctx, arg)
}

// Listen implements part of the [duplex.Service] interface.
func (m *Map) Listen(ctx context.Context, name string, arg duplex.Value) (*duplex.Stream, error) {
	f, ok := m.events[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", name)
	}
	return f(ctx, arg), nil
}

// Command adapts a function f that accepts parameters of type P and returns
// a result of type R and an error, to a [Func].
func Command[P, R any](f func(context.Context, P) (R, error)) Func {
	return func(ctx context.Context, arg duplex.Value) (duplex.Value, error) {
		var p P
		if err := unmarshal(arg, &p); err != nil {
			return nil, err
		}
		r, err := f(ctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// Query adapts a function f that accepts no parameters and returns a result
// of type R and an error, to a [Func].
func Query[R any](f func(context.Context) (R, error)) Func {
	return func(ctx context.Context, _ duplex.Value) (duplex.Value, error) {
		r, err := f(ctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// Notify adapts a function f that accepts parameters of type P and returns
// an error with no result, to a [Func].
func Notify[P any](f func(context.Context, P) error) Func {
	return func(ctx context.Context, arg duplex.Value) (duplex.Value, error) {
		var p P
		if err := unmarshal(arg, &p); err != nil {
			return nil, err
		}
		return duplex.Undefined{}, f(ctx, p)
	}
}

// unmarshal decodes a wire value into v, which must be a non-nil pointer.
// Strings and buffers decode directly into *string and *[]byte; any other
// combination goes through the JSON object case.
func unmarshal(arg duplex.Value, v any) error {
	switch t := v.(type) {
	case *string:
		switch a := arg.(type) {
		case duplex.String:
			*t = string(a)
			return nil
		}
	case *[]byte:
		switch a := arg.(type) {
		case duplex.Buffer:
			*t = []byte(a)
			return nil
		case duplex.Binary:
			*t = []byte(a)
			return nil
		}
	}
	switch a := arg.(type) {
	case duplex.Object:
		return a.Decode(v)
	case nil, duplex.Undefined:
		return nil // leave v at its zero value
	default:
		return fmt.Errorf("cannot unmarshal %v into %T", arg.Kind(), v)
	}
}

// marshal encodes v as a wire value. Strings and byte slices map to their
// direct wire forms, a duplex.Value passes through verbatim, and anything
// else is encoded as a JSON object.
func marshal(v any) (duplex.Value, error) {
	switch t := v.(type) {
	case duplex.Value:
		return t, nil
	case string:
		return duplex.String(t), nil
	case []byte:
		return duplex.Buffer(t), nil
	default:
		return duplex.TryJSON(v)
	}
}
