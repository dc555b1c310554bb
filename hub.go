// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// HubOptions are optional settings for a [Hub]. A nil *HubOptions is ready
// for use and provides default values.
type HubOptions struct {
	// The pending timeout for the server half of each connection.
	// If zero or negative, use a default of 1 second.
	PendingTimeout time.Duration

	// If set, log frames exchanged on every connection to this callback.
	LogFrames FrameLogger
}

func (o *HubOptions) serverOptions() *ServerOptions {
	if o == nil {
		return nil
	}
	return &ServerOptions{PendingTimeout: o.PendingTimeout}
}

func (o *HubOptions) frameLogger() FrameLogger {
	if o == nil {
		return nil
	}
	return o.LogFrames
}

// A Hub manages any number of connected endpoints. Channels registered on
// the hub are hosted on every connection, current and future; outbound
// calls are routed to one connection chosen by a [Router].
//
// The methods of a Hub are safe for concurrent use.
type Hub struct {
	opts *HubOptions

	mu       sync.Mutex
	services map[string]Service
	conns    map[*Connection]struct{}
	watch    chan struct{} // closed and replaced on each membership change
	closed   bool
}

// A Connection is one endpoint attached to a [Hub], bundling the peer ID
// received in the handshake with the server and client halves that own the
// shared connection.
type Connection struct {
	Peer string // the ID the peer introduced itself with
	*Endpoint

	gone bool // the receive loop exited before attach; guarded by the hub mutex
}

// NewHub constructs a new hub with no connections.
func NewHub(opts *HubOptions) *Hub {
	return &Hub{
		opts:     opts,
		services: make(map[string]Service),
		conns:    make(map[*Connection]struct{}),
		watch:    make(chan struct{}),
	}
}

// Accept consumes the handshake on conn, wires up a connection for the peer
// it identifies, registers the hub's channels on it, and attaches it to the
// hub. The connection runs until it is closed, the connection fails, or the
// hub is closed.
func (h *Hub) Accept(conn Conn) (*Connection, error) {
	// The first message on a new connection is the handshake: a single bare
	// value carrying the peer ID.
	msg, err := conn.Recv()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	v, rest, err := decodeValue(msg)
	if err != nil || len(rest) != 0 {
		conn.Close()
		return nil, errors.New("invalid handshake message")
	}
	peer, ok := v.(String)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("invalid handshake: got %v, want string", v.Kind())
	}

	c := new(Connection)
	c.Peer = string(peer)
	fc := &frameConn{conn: conn, log: h.opts.frameLogger()}
	c.Endpoint = newEndpoint(fc, conn, c.Peer, h.opts.serverOptions(), func() { h.drop(c) })

	h.mu.Lock()
	if h.closed || c.gone {
		h.mu.Unlock()
		c.Endpoint.Close()
		return nil, net.ErrClosed
	}
	for name, svc := range h.services {
		c.Server.Register(name, svc)
	}
	h.conns[c] = struct{}{}
	h.bumpLocked()
	h.mu.Unlock()
	return c, nil
}

// drop detaches c from the hub and disposes its halves. If c was never
// attached, it is marked so Accept does not attach it after the fact.
func (h *Hub) drop(c *Connection) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	if ok {
		h.bumpLocked()
	} else {
		c.gone = true
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	c.Server.Close()
	c.Client.Close()
}

// bumpLocked wakes all watchers of the connection set. The caller must hold
// h.mu. The watch channel fires on both connect and disconnect, so a parked
// router re-evaluates after a matching peer disconnects and reconnects.
func (h *Hub) bumpLocked() {
	close(h.watch)
	h.watch = make(chan struct{})
}

// Watch returns a channel that is closed at the next change of the
// connection set. Each call returns the channel for the current epoch;
// callers must re-acquire it after it fires.
func (h *Hub) Watch() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watch
}

// Connections returns a snapshot of the currently attached connections.
func (h *Hub) Connections() []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Register registers svc as the implementation of the named channel on the
// hub and on every currently attached connection, and returns h to permit
// chaining. Connections attached later receive the channel at attach time.
func (h *Hub) Register(name string, svc Service) *Hub {
	h.mu.Lock()
	h.services[name] = svc
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Server.Register(name, svc)
	}
	return h
}

// Channel returns a proxy for the named channel whose operations are
// forwarded to the connection selected by router. Each call routes
// independently; the proxy hides the routing wait behind a delayed channel.
func (h *Hub) Channel(name string, router Router) Channel {
	return routedChannel{hub: h, name: name, router: router}
}

type routedChannel struct {
	hub    *Hub
	name   string
	router Router
}

// Call implements part of the [Channel] interface.
func (rc routedChannel) Call(ctx context.Context, name string, arg Value) (Value, error) {
	ch := NewDelayedChannel(func(ctx context.Context) (Channel, error) {
		conn, err := rc.router.Route(ctx, rc.hub, name, arg)
		if err != nil {
			return nil, err
		}
		return conn.Client.Channel(rc.name), nil
	})
	return ch.Call(ctx, name, arg)
}

// Listen implements part of the [Channel] interface.
func (rc routedChannel) Listen(name string, arg Value) *Stream {
	ch := NewDelayedChannel(func(ctx context.Context) (Channel, error) {
		conn, err := rc.router.Route(ctx, rc.hub, name, arg)
		if err != nil {
			return nil, err
		}
		return conn.Client.Channel(rc.name), nil
	})
	return ch.Listen(name, arg)
}

// Serve accepts connections from acc and attaches each to the hub. Serve
// continues until acc closes or ctx ends; it reports nil if the accepter
// closed normally.
func (h *Hub) Serve(ctx context.Context, acc Accepter) error {
	g := taskgroup.New(nil)
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}
		g.Go(func() error {
			h.Accept(conn)
			return nil
		})
	}
}

// Close detaches and disposes every connection and marks the hub closed.
// Routers parked on the hub wake and report net.ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.bumpLocked()
	h.mu.Unlock()

	for _, c := range conns {
		c.Endpoint.Close()
	}
	return nil
}

// isClosed reports whether the hub has been closed.
func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
