// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"context"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// ClientOptions are optional settings for a [Client]. A nil *ClientOptions
// is ready for use and provides default values.
type ClientOptions struct {
	// If set, log frames exchanged on the connection to this callback.
	LogFrames FrameLogger
}

func (o *ClientOptions) frameLogger() FrameLogger {
	if o == nil {
		return nil
	}
	return o.LogFrames
}

// A Client issues calls and event subscriptions to channels hosted by a
// remote peer. Request IDs are allocated per client, strictly increasing,
// and correlate each response frame with its originating request.
//
// A new client buffers requests until the remote server advertises
// readiness with an initialize frame; no request frame is sent before then.
//
// The methods of a Client are safe for concurrent use.
type Client struct {
	fc       *frameConn
	tasks    *taskgroup.Group
	ownsConn bool

	init     chan struct{} // closed when the peer server reports ready
	initOnce sync.Once
	stop     chan struct{} // closed when the client is closed
	stopOnce sync.Once

	mu       sync.Mutex
	nextID   uint32
	handlers map[uint32]func(Frame) // request ID → response handler
	subs     map[uint32]struct{}    // request IDs of live subscriptions
	closed   bool
}

// NewClient constructs a client and starts its receive loop on conn. The
// client runs until Close is called or the connection closes. Frames that
// are not responses are dropped.
func NewClient(conn Conn, opts *ClientOptions) *Client {
	c := newClient(&frameConn{conn: conn, log: opts.frameLogger()})
	c.ownsConn = true
	c.tasks.Go(func() error {
		// On receive failure, close our own side as well, so a peer blocked
		// reading from us is released.
		defer conn.Close()
		for {
			msg, err := conn.Recv()
			if err != nil {
				return nil
			}
			f, ok := decodeFrame(msg)
			if !ok {
				continue
			}
			c.fc.logRecv(f)
			if !f.Type.isResponse() {
				mx.frameDropped.Add(1)
				continue
			}
			c.deliver(&f)
		}
	})
	return c
}

// newClient constructs a client over a shared frame connection without a
// receive loop of its own; the owner feeds it frames through deliver.
func newClient(fc *frameConn) *Client {
	return &Client{
		fc:       fc,
		tasks:    taskgroup.New(nil),
		init:     make(chan struct{}),
		stop:     make(chan struct{}),
		handlers: make(map[uint32]func(Frame)),
		subs:     make(map[uint32]struct{}),
	}
}

// Channel returns a proxy for the named channel on the remote peer. The
// proxy is stateless: no check is made that the peer hosts the channel.
func (c *Client) Channel(name string) Channel { return clientChannel{c: c, name: name} }

// Initialized returns a channel that is closed once the remote server has
// advertised readiness. Duplicate initialize frames have no further effect.
func (c *Client) Initialized() <-chan struct{} { return c.init }

// LogFrames registers a callback invoked for each frame exchanged with the
// remote peer. Passing nil disables logging.
func (c *Client) LogFrames(log FrameLogger) *Client { c.fc.setLogger(log); return c }

// Close detaches the client from its connection and terminates all pending
// calls and live subscriptions. Calls in flight report net.ErrClosed. It is
// safe to call Close more than once.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	c.closed = true
	c.handlers = make(map[uint32]func(Frame))
	c.subs = make(map[uint32]struct{})
	c.mu.Unlock()
	if c.ownsConn {
		c.fc.conn.Close()
	}
	c.tasks.Wait()
	return nil
}

// deliver routes one inbound response frame.
func (c *Client) deliver(f *Frame) {
	switch f.Type {
	case FrameInitialize:
		c.initOnce.Do(func() { close(c.init) })

	case FrameSuccess, FrameError, FrameErrorValue:
		c.mu.Lock()
		h := c.handlers[f.ID]
		delete(c.handlers, f.ID) // at most one terminal response is acted on
		c.mu.Unlock()
		if h == nil {
			mx.frameDropped.Add(1)
			return
		}
		h(*f)

	case FrameEvent:
		c.mu.Lock()
		h := c.handlers[f.ID]
		c.mu.Unlock()
		if h == nil {
			// The subscription was disposed with emissions still in flight.
			mx.frameDropped.Add(1)
			return
		}
		h(*f)

	default:
		mx.frameDropped.Add(1)
	}
}

// allocID returns a fresh request ID. IDs are never reused.
func (c *Client) allocID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// call issues a command invocation and blocks until the response arrives,
// ctx ends, or the client closes.
func (c *Client) call(ctx context.Context, channel, method string, arg Value) (_ Value, err error) {
	mx.callOut.Add(1)
	defer func() {
		if err != nil {
			mx.callOutErr.Add(1)
		}
	}()

	// Cancelled before anything was sent: report without traffic.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := c.allocID()

	// Requests buffer until the peer server reports ready. Cancellation
	// while waiting abandons the call without sending a frame.
	select {
	case <-c.init:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stop:
		return nil, net.ErrClosed
	}

	pc := make(chan Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	c.handlers[id] = func(f Frame) { pc <- f }
	c.mu.Unlock()

	mx.callPending.Add(1)
	defer mx.callPending.Add(-1)

	c.fc.send(Frame{Type: FrameCall, ID: id, Channel: channel, Name: method, Body: arg})

	select {
	case <-ctx.Done():
		// Push a cancellation to the peer and report immediately; a late
		// response for this ID will be dropped.
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
		c.fc.send(Frame{Type: FrameCancel, ID: id})
		return nil, ctx.Err()

	case <-c.stop:
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
		return nil, net.ErrClosed

	case f := <-pc:
		switch f.Type {
		case FrameSuccess:
			return f.Body, nil
		case FrameErrorValue:
			return nil, &PayloadError{Value: f.Body}
		default: // FrameError
			we := new(WireError)
			if o, ok := f.Body.(Object); ok && o.Decode(we) == nil {
				return nil, we
			}
			return nil, &WireError{Name: "Error", Message: "malformed error response"}
		}
	}
}

// listenState tracks one activation of a client event stream, from first
// subscriber to last.
type listenState struct {
	id   uint32
	stop chan struct{} // closed when the activation ends
	sent bool          // a listen frame went out; guarded by the client mutex
}

// listen returns the client-side stream for an event on a remote channel.
// The subscription frame is sent when the stream gains its first subscriber
// (after the peer server reports ready) and the disposal frame when it
// loses its last one. A fresh activation allocates a fresh request ID.
func (c *Client) listen(channel, event string, arg Value) *Stream {
	s := NewStream()
	var amu sync.Mutex
	var cur *listenState

	s.onFirst = func() {
		st := &listenState{id: c.allocID(), stop: make(chan struct{})}
		amu.Lock()
		cur = st
		amu.Unlock()

		c.tasks.Go(func() error {
			select {
			case <-c.init:
			case <-st.stop:
				return nil // all subscribers left before ready: nothing sent
			case <-c.stop:
				return nil
			}

			c.mu.Lock()
			select {
			case <-st.stop:
				c.mu.Unlock()
				return nil
			default:
			}
			if c.closed {
				c.mu.Unlock()
				return nil
			}
			// A terminal error for a subscription has no caller to reject;
			// anything but an event emission is dropped.
			c.handlers[st.id] = func(f Frame) {
				if f.Type == FrameEvent {
					s.Fire(f.Body)
				}
			}
			c.subs[st.id] = struct{}{}
			st.sent = true
			c.mu.Unlock()

			c.fc.send(Frame{Type: FrameListen, ID: st.id, Channel: channel, Name: event, Body: arg})
			return nil
		})
	}

	s.onLast = func() {
		amu.Lock()
		st := cur
		cur = nil
		amu.Unlock()
		if st == nil {
			return
		}
		close(st.stop)

		c.mu.Lock()
		sent := st.sent
		delete(c.handlers, st.id)
		delete(c.subs, st.id)
		c.mu.Unlock()

		if sent {
			c.fc.send(Frame{Type: FrameDispose, ID: st.id})
		}
	}
	return s
}

// clientChannel is the stateless proxy returned by [Client.Channel].
type clientChannel struct {
	c    *Client
	name string
}

// Call implements part of the [Channel] interface.
func (ch clientChannel) Call(ctx context.Context, name string, arg Value) (Value, error) {
	return ch.c.call(ctx, ch.name, name, arg)
}

// Listen implements part of the [Channel] interface.
func (ch clientChannel) Listen(name string, arg Value) *Stream {
	return ch.c.listen(ch.name, name, arg)
}
