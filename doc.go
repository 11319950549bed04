// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package statemux implements a bidirectional, stateful, multiplexed RPC
// protocol between two endpoints called the source (server role) and the
// channel (client role).
//
// Many logical channels share one underlying ordered message link. Each
// channel exposes a tree of remotely callable procedures, a replicated state
// value, and a hierarchy of broadcast events. Channels are recursive: a
// remote call may open a new child channel bound to a different source, and
// any number of client channels may subscribe to the same source, observing
// identical state changes and events.
//
// # Sources
//
// A [Source] holds the application methods, the current state value, and an
// event broadcaster. One source may back many channels across many links:
//
//	src := statemux.NewSource(handler, "initial state")
//
// The handler receives every call, notification, and channel-creation
// request addressed to a channel bound to the source. The handler package
// builds a handler from a nested map of methods with path-safety checks.
//
// Use [Source.SetState] to replace the state (every subscribed channel
// receives the new value), [Source.Emit] to broadcast an event, and
// [Source.Dispose] to permanently shut the source down, closing all of its
// channels.
//
// # Endpoints
//
// A [SourceEndpoint] serves one link. It decodes inbound client messages,
// maintains the channel registry and the per-source subscriber lists, and
// fans out state, event, and close messages:
//
//	ep := statemux.NewSourceEndpoint(src, nil).Start(link)
//
// A [ChannelEndpoint] drives the client side of one link. Starting it opens
// the root channel and announces it to the source endpoint:
//
//	cep := statemux.NewChannelEndpoint(nil).Start(link)
//	ch := cep.Root()
//	if err := ch.Wait(ctx); err != nil {
//	   log.Fatalf("Channel failed: %v", err)
//	}
//
// Both endpoints run until Stop is called, the link closes, or a protocol
// fatal error occurs. Call Wait to wait for an endpoint to exit and report
// its status.
//
// # Calls, notifications, and nested channels
//
// A [Channel] dispatches remote procedures by path:
//
//	v, err := ch.Call(ctx, []string{"math", "sum"}, 2, 3)
//
// Notify sends a fire-and-forget invocation whose result and errors are
// discarded by the source endpoint. NewChannel asks the handler to open a
// child channel, usually bound to a different source:
//
//	sub := ch.NewChannel([]string{"Inner"})
//	if err := sub.Wait(ctx); err != nil { ... }
//
// The child channel is multiplexed over the same link and has its own
// state, events, and lifecycle.
//
// # State and events
//
// A channel replicates the state of the source it is bound to. The first
// state message marks the channel ready; use [Channel.OnState] to observe
// updates and [Channel.On] to subscribe to broadcast events by path.
// Built-in lifecycle events ("ready", "error", "close", "state") are
// addressed by their own methods, so a user event named "state" does not
// collide with the state machinery.
//
// # Links
//
// The [Link] interface defines the transport contract: an ordered, reliable
// stream of already-decoded messages. The link package provides in-memory
// pairs, framed connections over readers and writers, and websockets.
//
// # Metrics
//
// Endpoints maintain a collection of expvar metrics while running; use the
// Metrics method of either endpoint to obtain the map. By default metrics
// are shared globally among all endpoints.
package statemux
