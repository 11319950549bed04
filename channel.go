// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// A CallError is the error reported for a call that the remote handler
// failed. Value carries the error payload delivered by the source.
type CallError struct {
	Value any
}

func (e *CallError) Error() string { return fmt.Sprintf("call failed: %v", e.Value) }

// callResult is the settlement of one pending call.
type callResult struct {
	value any
	err   error
}

// A Channel is the client-side handle for one channel multiplexed on a
// link. It presents the remote methods, a replica of the bound source's
// state, and the source's events.
//
// A channel is created pending and becomes ready when the first state
// update arrives; it closes when either peer closes it, when its source is
// disposed, or when the link goes down. All methods are safe for
// concurrent use.
type Channel struct {
	ep *ChannelEndpoint
	id string

	μ      sync.Mutex
	state  any
	ready  bool
	closed bool
	reason any
	calls  map[uint32]chan callResult
	nextrk uint32
	timer  *time.Timer // pending connection timeout, or nil
	done   chan struct{}

	hub emitter // built-in lifecycle events and user events
}

func newChannel(ep *ChannelEndpoint, id string) *Channel {
	return &Channel{
		ep:    ep,
		id:    id,
		calls: make(map[uint32]chan callResult),
		done:  make(chan struct{}),
	}
}

// ID returns the channel id on its link.
func (c *Channel) ID() string { return c.id }

// State returns the most recent state value received for the channel, or
// nil if the channel has not yet become ready.
func (c *Channel) State() any {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// Ready reports whether the channel has received at least one state update
// and has not closed.
func (c *Channel) Ready() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.ready && !c.closed
}

// Closed reports whether the channel has been closed.
func (c *Channel) Closed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.closed
}

// CloseReason returns the reason the channel was closed, or nil.
func (c *Channel) CloseReason() any {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.reason
}

// Wait blocks until the channel becomes ready or ctx ends. If the channel
// closes before becoming ready, Wait reports the close reason as a
// *CloseError.
func (c *Channel) Wait(ctx context.Context) error {
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

// Call invokes the remote method at path with args and blocks until ctx
// ends, the response arrives, or the channel closes. A handler failure is
// reported as a *CallError; closure of the channel as a *CloseError.
func (c *Channel) Call(ctx context.Context, path []string, args ...any) (any, error) {
	clientMetrics.callOut.Add(1)
	key, rc, err := c.sendCall(path, args)
	if err != nil {
		clientMetrics.callOutErr.Add(1)
		return nil, err
	}
	clientMetrics.callPend.Add(1)
	defer clientMetrics.callPend.Add(-1)

	select {
	case <-ctx.Done():
		c.dropCall(key)
		return nil, ctx.Err()
	case res := <-rc:
		if res.err != nil {
			clientMetrics.callOutErr.Add(1)
		}
		return res.value, res.err
	}
}

func (c *Channel) sendCall(path []string, args []any) (uint32, chan callResult, error) {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return 0, nil, &CloseError{Reason: c.reason}
	}
	c.nextrk++
	key := c.nextrk
	rc := make(chan callResult, 1)
	c.calls[key] = rc
	c.μ.Unlock()

	// The state lock must not be held while sending, lest the receiver be
	// blocked from settling responses.
	if err := c.ep.send(argsMessage(c.id, int(ActionCall), key, path, args)); err != nil {
		c.dropCall(key)
		return 0, nil, err
	}
	return key, rc, nil
}

// dropCall abandons the pending call state for key, if present. The key
// itself is never reused: an abandoned call may still be running on the
// source, and its eventual response must not match a later call.
func (c *Channel) dropCall(key uint32) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.calls, key)
}

// settleCall delivers the response for key, if the call is still pending.
func (c *Channel) settleCall(key uint32, res callResult) {
	c.μ.Lock()
	rc, ok := c.calls[key]
	if ok {
		delete(c.calls, key)
	}
	c.μ.Unlock()
	if ok {
		rc <- res // does not block; the channel is buffered
	}
}

// Notify invokes the remote method at path with args without awaiting a
// result; the handler's return value and any handler error are discarded
// by the source. Notify reports an error only if the channel is closed or
// the message cannot be sent.
func (c *Channel) Notify(path []string, args ...any) error {
	c.μ.Lock()
	closed, reason := c.closed, c.reason
	c.μ.Unlock()
	if closed {
		return &CloseError{Reason: reason}
	}
	return c.ep.send(argsMessage(c.id, int(ActionNotify), nil, path, args))
}

// NewChannel asks the source to open a nested channel via the handler
// method at path, and returns the new pending channel immediately. Its
// readiness settles when the source delivers the initial state update, or
// rejects the creation.
func (c *Channel) NewChannel(path []string, args ...any) *Channel {
	nc := c.ep.openChannel()
	if err := c.ep.send(argsMessage(c.id, int(ActionCreate), nc.id, path, args)); err != nil {
		c.ep.closeChannel(nc, err.Error(), false)
	}
	return nc
}

// Close closes the channel with the given reason, cancelling all pending
// calls and notifying the source. Close is idempotent.
func (c *Channel) Close(reason any) { c.ep.closeChannel(c, reason, true) }

// OnReady registers fn to be invoked when the channel becomes ready, and
// returns a function that removes the registration.
func (c *Channel) OnReady(fn func()) func() {
	return c.hub.on(eventReady, func([]any) { fn() })
}

// OnError registers fn to be invoked if the channel closes before it ever
// became ready.
func (c *Channel) OnError(fn func(reason any)) func() {
	return c.hub.on(eventError, func(args []any) { fn(args[0]) })
}

// OnClose registers fn to be invoked when the channel closes.
func (c *Channel) OnClose(fn func(reason any)) func() {
	return c.hub.on(eventClose, func(args []any) { fn(args[0]) })
}

// OnState registers fn to be invoked for each state update. For the first
// update, which marks the channel ready, old is nil and fn runs after the
// ready listeners; afterward old carries the previous state.
func (c *Channel) OnState(fn func(state, old any)) func() {
	return c.hub.on(eventState, func(args []any) {
		if len(args) == 1 {
			fn(args[0], nil)
		} else {
			fn(args[0], args[1])
		}
	})
}

// On registers fn for the user events broadcast under path, which must not
// be empty. Listeners registered under the same path run in subscription
// order. The returned function removes the registration.
//
// Paths are matched exactly: subscribing to ["tick"] receives events the
// source emits with path ["tick"], including an event named "state", which
// does not collide with the built-in state update.
func (c *Channel) On(path []string, fn func(args []any)) func() {
	return c.hub.on(eventKey(path), fn)
}

// Once is like On, but the registration is removed after one invocation.
func (c *Channel) Once(path []string, fn func(args []any)) func() {
	return c.hub.once(eventKey(path), fn)
}

// applyState records a state update, marking the channel ready if this is
// its first.
func (c *Channel) applyState(state any) {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return
	}
	old := c.state
	c.state = state
	first := !c.ready
	if first {
		c.ready = true
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		close(c.done)
	}
	c.μ.Unlock()

	clientMetrics.stateIn.Add(1)
	if first {
		c.hub.emit(eventReady)
		c.hub.emit(eventState, state)
	} else {
		c.hub.emit(eventState, state, old)
	}
}

// markClosed transitions the channel to closed, fires its lifecycle
// events, and rejects all pending calls with the reason. It reports
// whether this call performed the transition.
func (c *Channel) markClosed(reason any) bool { return c.transitionClosed(reason, false) }

// expireIfPending is markClosed for the connection timeout: a channel that
// became ready is never expired.
func (c *Channel) expireIfPending(reason any) bool { return c.transitionClosed(reason, true) }

func (c *Channel) transitionClosed(reason any, onlyPending bool) bool {
	c.μ.Lock()
	if c.closed || (onlyPending && c.ready) {
		c.μ.Unlock()
		return false
	}
	c.closed = true
	c.reason = reason
	wasReady := c.ready
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	pending := c.calls
	c.calls = make(map[uint32]chan callResult)
	if !wasReady {
		close(c.done)
	}
	c.μ.Unlock()

	if !wasReady {
		c.hub.emit(eventError, reason)
	}
	c.hub.emit(eventClose, reason)
	for _, rc := range pending {
		rc <- callResult{err: &CloseError{Reason: reason}}
	}
	return true
}

// argsMessage assembles a client message. A nil key is omitted, covering
// the NOTIFY shape; CREATE passes the new channel id as the key.
func argsMessage(id string, action int, key any, path []string, args []any) []any {
	msg := make([]any, 0, 5)
	msg = append(msg, id, action)
	if key != nil {
		msg = append(msg, key)
	}
	return append(msg, path, args)
}
