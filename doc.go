// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package duplex implements multiplexed IPC channels over a shared message
// transport.
//
// Two peers, each holding one end of a reliable ordered message pipe, expose
// named channels to each other. A channel is a small service: a set of named
// commands invoked as request/response calls, and a set of named events
// delivered as push notifications. The package multiplexes any number of
// calls and event subscriptions over a single connection, correlating them
// by per-client request IDs.
//
// # Connections
//
// The [Conn] interface defines the transport contract: a duplex pipe that
// delivers discrete messages in order. The transport subpackage provides
// in-memory and stream-based implementations.
//
// # Servers and clients
//
// A [Server] hosts channels. Register a [Service] implementation under a
// name, and the server dispatches inbound calls and subscriptions to it:
//
//	srv := duplex.NewServer(conn, "main", nil)
//	srv.Register("greeter", svc)
//
// Calls that arrive before their channel is registered are queued, and
// dispatched in arrival order once the channel appears. A call whose channel
// does not appear within the pending timeout fails back to the caller.
//
// A [Client] obtains channel proxies and issues calls:
//
//	cli := duplex.NewClient(conn, nil)
//	ch := cli.Channel("greeter")
//	rsp, err := ch.Call(ctx, "hello", duplex.String("world"))
//
// Cancelling ctx before the call is sent suppresses it entirely; cancelling
// after the send pushes a cancellation frame to the server, which cancels
// the context passed to the service handler.
//
// To subscribe to an event, use Listen. The subscription frame is sent when
// the first subscriber attaches, and the disposal frame when the last one
// detaches:
//
//	stop := ch.Listen("update", duplex.Undefined{}).Subscribe(func(v duplex.Value) {
//	   // ...
//	})
//	defer stop()
//
// # Endpoints and hubs
//
// An [Endpoint] bundles a Server and a Client over one connection, so a
// process can both host and consume channels on the same pipe. The endpoint
// introduces itself with a one-message handshake carrying its peer ID.
//
// A [Hub] accepts any number of endpoint connections, registers its channels
// on each, and routes outbound calls to a connection chosen by a [Router]:
//
//	hub := duplex.NewHub(nil)
//	go hub.Serve(ctx, acc)
//	ch := hub.Channel("greeter", duplex.StaticRouter{
//	   Match: func(peer string) bool { return peer == "window-1" },
//	})
//
// A router may block until a matching peer connects; the routed channel
// hides the wait behind a delayed channel.
//
// # Errors
//
// Errors reported by a service handler are encoded on the wire and
// reconstructed for the caller as a [*WireError]. A handler may return a
// [*PayloadError] to propagate an arbitrary value instead of a structured
// error. Cancellation is reported as [context.Canceled].
package duplex
