// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"context"
	"sync"
)

// A Conn is a reliable ordered pipe of discrete messages shared by two
// peers. Each Send delivers one whole message; each Recv yields one whole
// message. Framing at the byte level is the transport's concern.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Conn interface {
	// Send the message to the remote peer.
	Send(msg []byte) error

	// Recv the next available message from the peer.
	Recv() ([]byte, error)

	// Close the connection, causing pending send and receive operations to
	// terminate and report an error.
	Close() error
}

// An Accepter produces connections from new remote peers, for use with
// [Hub.Serve].
type Accepter interface {
	Accept(context.Context) (Conn, error)
}

// A Service implements a channel hosted on a [Server]: a set of named
// commands and a set of named events. A service must tolerate arbitrary
// argument values shaped by the wire rules.
//
// Both handlers can obtain the subscribing peer's ID from their context
// argument using the [ContextPeerID] helper. The context passed to Call is
// cancelled if the caller cancels the call or the connection is torn down;
// the context passed to Listen is cancelled when the subscription is
// disposed or the connection is torn down.
type Service interface {
	// Call invokes the named command with the given argument and returns its
	// result value.
	Call(ctx context.Context, name string, arg Value) (Value, error)

	// Listen returns the stream of the named event. The returned stream is
	// subscribed once per remote subscription.
	Listen(ctx context.Context, name string, arg Value) (*Stream, error)
}

// A Channel is a client-side proxy for a channel hosted by a remote peer.
// A proxy is stateless; obtaining one does not verify that the remote peer
// actually hosts the channel.
type Channel interface {
	// Call invokes the named command on the remote channel and returns its
	// result. Cancelling ctx before the request is sent suppresses it;
	// cancelling afterward pushes a cancellation to the peer and reports
	// context.Canceled without waiting for a reply.
	Call(ctx context.Context, name string, arg Value) (Value, error)

	// Listen returns a stream of the named event. The remote subscription is
	// established when the stream gains its first subscriber and released
	// when it loses its last one.
	Listen(name string, arg Value) *Stream
}

// A FrameLogger logs a frame exchanged with the remote peer.
type FrameLogger func(fr FrameInfo)

// A FrameInfo combines a frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	Frame      // the frame being logged
	Sent  bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string { return f.dir() + " " + f.Frame.String() }

// A frameConn serializes frame sends on a shared connection. Send failures
// are swallowed: the peer is assumed either to recover or to be torn down
// shortly, and the error is visible only in the metrics.
type frameConn struct {
	mu   sync.Mutex
	conn Conn
	log  FrameLogger
}

func (c *frameConn) send(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mx.frameSent.Add(1)
	if c.log != nil {
		c.log(FrameInfo{Frame: f, Sent: true})
	}
	if err := c.conn.Send(f.Encode()); err != nil {
		mx.sendFailed.Add(1)
	}
}

func (c *frameConn) logRecv(f Frame) {
	c.mu.Lock()
	log := c.log
	c.mu.Unlock()
	if log != nil {
		log(FrameInfo{Frame: f, Sent: false})
	}
}

func (c *frameConn) setLogger(log FrameLogger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = log
}

type peerContextKey struct{}

// ContextPeerID returns the peer ID associated with the given context, or ""
// if none is defined. The context passed to a Service command handler has
// this value.
func ContextPeerID(ctx context.Context) string {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(string)
	}
	return ""
}
