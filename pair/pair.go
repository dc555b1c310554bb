// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package pair provides support code for assembling and testing connected
// IPC peers in memory.
package pair

import (
	"github.com/creachadair/duplex"
	"github.com/creachadair/duplex/transport"
)

// Local is an in-memory connected Server and Client, suitable for testing
// the request/response protocol in isolation.
type Local struct {
	Server *duplex.Server
	Client *duplex.Client
}

// Stop shuts down both halves and blocks until both have exited.
func (p *Local) Stop() error {
	serr := p.Server.Close()
	cerr := p.Client.Close()
	if serr != nil {
		return serr
	}
	return cerr
}

// NewLocal creates an in-memory connected server and client. The server
// identifies its peer as peerID; sopts may be nil for defaults.
func NewLocal(peerID string, sopts *duplex.ServerOptions) *Local {
	sc, cc := transport.Direct()
	return &Local{
		Server: duplex.NewServer(sc, peerID, sopts),
		Client: duplex.NewClient(cc, nil),
	}
}

// Hubbed is a Hub with in-memory attached endpoints, suitable for testing
// multi-peer routing.
type Hubbed struct {
	Hub *duplex.Hub
}

// NewHub creates a hub with the given options (nil for defaults).
func NewHub(opts *duplex.HubOptions) *Hubbed {
	return &Hubbed{Hub: duplex.NewHub(opts)}
}

// Connect attaches a new in-memory endpoint identifying itself as peerID,
// and returns it. The corresponding hub connection is wired before Connect
// returns.
func (h *Hubbed) Connect(peerID string) *duplex.Endpoint {
	hc, ec := transport.Direct()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Hub.Accept(hc)
	}()
	ep := duplex.NewEndpoint(ec, peerID, nil)
	<-done
	return ep
}

// Stop closes the hub and all its connections.
func (h *Hubbed) Stop() error { return h.Hub.Close() }
