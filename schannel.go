// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is reported by operations on a closed channel.
var ErrChannelClosed = errors.New("channel is closed")

// A CloseError carries the reason a channel was closed. It is the error
// reported by Wait when a channel closes before becoming ready, and the
// rejection of calls pending when a channel closes.
type CloseError struct {
	Reason any
}

func (e *CloseError) Error() string { return fmt.Sprintf("channel closed: %v", e.Reason) }

// A SourceChannel is the source endpoint's handle for one accepted channel.
// It carries the channel's identity on its link, the source it is bound to,
// an application context value, and the channel lifecycle.
//
// A source channel is created pending and becomes ready when it is
// initialized under its id; its readiness transitions monotonically from
// pending to ready to closed and never re-opens.
type SourceChannel struct {
	ep   *SourceEndpoint
	src  *Source
	ctxv any

	μ        sync.Mutex
	id       string
	auto     bool
	attached bool // initialization has begun; the channel cannot be reused
	ready    bool
	closed   bool
	reason   any
	unsub    func() // detach from the source's subscriber list, or nil
	done     chan struct{}

	hub emitter // lifecycle events: ready, error, close
}

func newSourceChannel(ep *SourceEndpoint, src *Source, ctxv any) *SourceChannel {
	return &SourceChannel{ep: ep, src: src, ctxv: ctxv, done: make(chan struct{})}
}

// ID returns the channel id, or "" if the channel is not yet initialized.
func (c *SourceChannel) ID() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.id
}

// Source returns the source the channel is bound to.
func (c *SourceChannel) Source() *Source { return c.src }

// Context returns the application context value attached to the channel's
// link.
func (c *SourceChannel) Context() any { return c.ctxv }

// Ready reports whether the channel has been initialized.
func (c *SourceChannel) Ready() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.ready
}

// Closed reports whether the channel has been closed.
func (c *SourceChannel) Closed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.closed
}

// CloseReason returns the reason the channel was closed, or nil if it is
// not closed.
func (c *SourceChannel) CloseReason() any {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.reason
}

// SetAutoDispose sets whether closing the channel disposes its bound
// source with the same reason. The default is false; the handler package
// sets it for channels opened by constructing a class.
func (c *SourceChannel) SetAutoDispose(on bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.auto = on
}

// AutoDispose reports whether the channel disposes its source on close.
func (c *SourceChannel) AutoDispose() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.auto
}

// OnReady registers fn to be invoked when the channel becomes ready, and
// returns a function that removes the registration.
func (c *SourceChannel) OnReady(fn func()) func() {
	return c.hub.on(eventReady, func([]any) { fn() })
}

// OnError registers fn to be invoked if the channel closes before it ever
// became ready.
func (c *SourceChannel) OnError(fn func(reason any)) func() {
	return c.hub.on(eventError, func(args []any) { fn(args[0]) })
}

// OnClose registers fn to be invoked when the channel closes.
func (c *SourceChannel) OnClose(fn func(reason any)) func() {
	return c.hub.on(eventClose, func(args []any) { fn(args[0]) })
}

// Wait blocks until the channel becomes ready or ctx ends. If the channel
// closes before becoming ready, Wait reports the close reason as a
// *CloseError.
func (c *SourceChannel) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.ready {
		return nil
	}
	return &CloseError{Reason: c.reason}
}

// Emit sends a user event to this channel only. The path must not be
// empty. Emit reports an error if the channel is closed.
func (c *SourceChannel) Emit(path []string, args ...any) error {
	if len(path) == 0 {
		return errors.New("empty event path")
	}
	c.μ.Lock()
	id, closed := c.id, c.closed
	c.μ.Unlock()
	if closed || id == "" {
		return ErrChannelClosed
	}
	sourceMetrics.eventOut.Add(1)
	if err := c.ep.send([]any{[]string{id}, int(ReplyEvent), path, args}); err != nil {
		sourceMetrics.msgDropped.Add(1)
		return err
	}
	return nil
}

// Close closes the channel with the given reason, notifying the remote
// peer if the channel was registered. Close is idempotent.
func (c *SourceChannel) Close(reason any) { c.ep.closeChannel(c, reason, true) }

// tryAttach claims the channel for initialization under id, and reports
// whether the claim succeeded. A channel can be attached at most once.
func (c *SourceChannel) tryAttach(id string) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.attached || c.closed {
		return false
	}
	c.attached = true
	c.id = id
	return true
}

// setUnsub records the function that removes the channel from its source's
// subscriber list. If the channel already closed while initialization was
// in flight, the function is invoked immediately.
func (c *SourceChannel) setUnsub(fn func()) {
	c.μ.Lock()
	if !c.closed {
		c.unsub = fn
		c.μ.Unlock()
		return
	}
	c.μ.Unlock()
	fn()
}

// markReady transitions the channel to ready and fires its ready event.
func (c *SourceChannel) markReady() {
	c.μ.Lock()
	if c.ready || c.closed {
		c.μ.Unlock()
		return
	}
	c.ready = true
	close(c.done)
	c.μ.Unlock()
	c.hub.emit(eventReady)
}

// markClosed transitions the channel to closed, fires its lifecycle events,
// and reports whether this call performed the transition.
func (c *SourceChannel) markClosed(reason any) bool {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return false
	}
	c.closed = true
	c.reason = reason
	wasReady := c.ready
	if !wasReady {
		close(c.done)
	}
	unsub := c.unsub
	c.unsub = nil
	c.μ.Unlock()

	if unsub != nil {
		unsub()
	}
	if !wasReady {
		c.hub.emit(eventError, reason)
	}
	c.hub.emit(eventClose, reason)
	return true
}
