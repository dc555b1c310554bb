// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the duplex.Conn interface.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/creachadair/duplex"
)

// Direct constructs a connected pair of in-memory connections that pass
// messages directly without copying. Messages sent to A are received by B
// and vice versa. Each direction buffers a small number of messages, like
// the kernel buffers of a socket pair, so a sender does not block before
// the receiver has begun reading.
func Direct() (A, B duplex.Conn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- []byte
	b2a <-chan []byte
}

// Send implements a method of the [duplex.Conn] interface.
func (d direct) Send(msg []byte) (err error) {
	defer safeClose(&err)
	d.a2b <- msg
	return nil
}

// Recv implements a method of the [duplex.Conn] interface.
func (d direct) Recv() ([]byte, error) {
	msg, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return msg, nil
}

// Close implements a method of the [duplex.Conn] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// maxIOMessage bounds the size of a message accepted from a stream, as a
// guard against a corrupted or hostile length prefix.
const maxIOMessage = 1 << 28

// IO constructs a connection that receives from r and sends to wc. Each
// message is framed with a 4-byte big-endian length prefix.
func IO(r io.Reader, wc io.WriteCloser) IOConn {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOConn{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOConn sends and receives length-prefixed messages on a reader and a
// writer.
type IOConn struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [duplex.Conn] interface.
func (c IOConn) Send(msg []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [duplex.Conn] interface.
func (c IOConn) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxIOMessage {
		return nil, fmt.Errorf("message too large (%d bytes)", size)
	}
	msg := make([]byte, int(size))
	if _, err := io.ReadFull(c.r, msg); err != nil {
		return nil, fmt.Errorf("short message: %w", err)
	}
	return msg, nil
}

// Close implements a method of the [duplex.Conn] interface.
func (c IOConn) Close() error { return c.c.Close() }

// NetAccepter adapts a net.Listener to the [duplex.Accepter] interface.
// Each accepted connection is wrapped with [IO].
func NetAccepter(lst net.Listener) duplex.Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (duplex.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A blocked net Accept cannot be interrupted directly; instead, close
	// the listener when ctx ends so Accept fails over. The stop channel
	// retires the watcher once Accept has returned on its own.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-stop:
		}
	}()

	conn, err := n.Listener.Accept()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	return IO(conn, conn), nil
}

// SplitAddress guesses the network for a dial or listen target. A target of
// the form host:port, where port is plausible as a numeric port or named
// service and host is not a path, is assigned network "tcp". Every other
// target, including bare paths and targets with an empty or malformed port,
// is treated as a socket path on network "unix". The target itself is
// returned unmodified either way; no further validation is done.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndexByte(s, ':')
	switch {
	case i < 0:
		return "unix", s // no port separator at all
	case i == len(s)-1:
		return "unix", s // trailing colon, empty port
	case strings.IndexByte(s[:i], '/') >= 0:
		return "unix", s // the host part is a path
	case !isPortName(s[i+1:]):
		return "unix", s
	}
	return "tcp", s
}

// isPortName reports whether s could name a port: the digits of a port
// number, or the letters, digits, and hyphens of a service name.
func isPortName(s string) bool {
	for i := 0; i < len(s); i++ {
		switch b := s[i]; {
		case b >= '0' && b <= '9':
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b == '-':
		default:
			return false
		}
	}
	return true
}
