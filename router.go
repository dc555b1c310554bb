// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"context"
	"net"
)

// A Router selects the hub connection that should service a logical call or
// event subscription. A router may block until a suitable connection
// attaches; implementations should honor ctx for early termination.
type Router interface {
	Route(ctx context.Context, hub *Hub, name string, arg Value) (*Connection, error)
}

// RouteFunc is a function that implements the [Router] interface.
type RouteFunc func(ctx context.Context, hub *Hub, name string, arg Value) (*Connection, error)

// Route implements the [Router] interface.
func (f RouteFunc) Route(ctx context.Context, hub *Hub, name string, arg Value) (*Connection, error) {
	return f(ctx, hub, name, arg)
}

// A StaticRouter selects a connection whose peer ID satisfies its
// predicate. Attached connections are examined in no defined order, so when
// several match, any one of them may be chosen. If no attached connection
// matches, Route blocks until one joins; there is no timeout beyond ctx.
type StaticRouter struct {
	// Match reports whether the connection for the given peer ID should
	// service the operation.
	Match func(peer string) bool
}

// Route implements the [Router] interface.
func (r StaticRouter) Route(ctx context.Context, hub *Hub, name string, arg Value) (*Connection, error) {
	for {
		// Acquire the watch epoch before snapshotting, so a connection that
		// joins between the snapshot and the wait is not missed.
		watch := hub.Watch()
		if hub.isClosed() {
			return nil, net.ErrClosed
		}
		for _, c := range hub.Connections() {
			if r.Match(c.Peer) {
				return c, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-watch:
		}
	}
}
