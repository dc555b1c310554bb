// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"time"

	"github.com/creachadair/taskgroup"
)

// EndpointOptions are optional settings for an [Endpoint]. A nil
// *EndpointOptions is ready for use and provides default values.
type EndpointOptions struct {
	// The pending timeout for the endpoint's server half.
	// If zero or negative, use a default of 1 second.
	PendingTimeout time.Duration

	// If set, log frames exchanged on the connection to this callback.
	LogFrames FrameLogger
}

func (o *EndpointOptions) serverOptions() *ServerOptions {
	if o == nil {
		return nil
	}
	return &ServerOptions{PendingTimeout: o.PendingTimeout}
}

func (o *EndpointOptions) frameLogger() FrameLogger {
	if o == nil {
		return nil
	}
	return o.LogFrames
}

// An Endpoint bundles a [Server] and a [Client] over one shared connection,
// so a process can both host channels for its peer and call channels the
// peer hosts. A single receive loop dispatches request frames to the server
// half and response frames to the client half.
//
// An endpoint constructed with [NewEndpoint] introduces itself by sending a
// handshake message whose sole value is its peer ID; a [Hub] on the other
// side consumes the handshake before wiring up its own halves.
type Endpoint struct {
	Server *Server
	Client *Client

	fc     *frameConn
	conn   Conn
	tasks  *taskgroup.Group
	onExit func() // invoked once when the receive loop ends
}

// NewEndpoint constructs an endpoint for conn that identifies itself to the
// remote hub as peerID. The endpoint runs until Close is called or the
// connection closes.
//
// The hub announces no ID of its own, so the endpoint's server half is
// constructed with peerID as well: its handlers see the endpoint's own ID
// from [ContextPeerID], and [Server.Peer] reports it.
func NewEndpoint(conn Conn, peerID string, opts *EndpointOptions) *Endpoint {
	fc := &frameConn{conn: conn, log: opts.frameLogger()}

	// The handshake is a bare value, not a frame: the first message on the
	// wire is the peer ID alone.
	if err := conn.Send(encodeValue(String(peerID))); err != nil {
		mx.sendFailed.Add(1)
	}
	return newEndpoint(fc, conn, peerID, opts.serverOptions(), nil)
}

// newEndpoint wires both halves over fc and starts the shared receive loop.
// The caller has already dealt with the handshake in whichever direction it
// flows. The server half emits its initialize frame during construction.
// If onExit != nil it is invoked once, when the receive loop ends.
func newEndpoint(fc *frameConn, conn Conn, peerID string, sopts *ServerOptions, onExit func()) *Endpoint {
	e := &Endpoint{
		Server: newServer(fc, peerID, sopts),
		Client: newClient(fc),
		fc:     fc,
		conn:   conn,
		tasks:  taskgroup.New(nil),
		onExit: onExit,
	}
	e.tasks.Go(func() error {
		e.run()
		if e.onExit != nil {
			e.onExit()
		}
		return nil
	})
	// Advertise readiness only after the receive loop is in place, so the
	// peer's traffic has a consumer before the first frame goes out.
	e.Server.advertise()
	return e
}

func (e *Endpoint) run() {
	// On receive failure, close our own side as well, so a peer blocked
	// reading from us is released.
	defer e.conn.Close()
	for {
		msg, err := e.conn.Recv()
		if err != nil {
			return
		}
		f, ok := decodeFrame(msg)
		if !ok {
			continue
		}
		e.fc.logRecv(f)
		if f.Type.isResponse() {
			e.Client.deliver(&f)
		} else {
			e.Server.deliver(&f)
		}
	}
}

// Register registers svc as the implementation of the named channel on the
// endpoint's server half, and returns e to permit chaining.
func (e *Endpoint) Register(name string, svc Service) *Endpoint {
	e.Server.Register(name, svc)
	return e
}

// Channel returns a proxy for the named channel on the remote peer.
func (e *Endpoint) Channel(name string) Channel { return e.Client.Channel(name) }

// LogFrames registers a callback invoked for each frame exchanged with the
// remote peer. Passing nil disables logging.
func (e *Endpoint) LogFrames(log FrameLogger) *Endpoint { e.fc.setLogger(log); return e }

// Close shuts down both halves, closes the connection, and blocks until the
// receive loop and all service goroutines have returned. It is safe to call
// Close more than once.
func (e *Endpoint) Close() error {
	e.conn.Close()
	e.tasks.Wait()
	e.Server.Close()
	e.Client.Close()
	return nil
}
