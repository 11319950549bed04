// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// A Handler processes one request addressed to a channel bound to its
// source. Handlers for calls and channel creations run on their own
// goroutine and may block; the endpoint checks whether the channel closed
// while the handler was pending and drops the response if so.
//
// For a call or notification (call.IsNew == false) the handler returns the
// result value to deliver to the caller. For a channel creation
// (call.IsNew == true) the handler returns the *[Source] the new channel
// should bind to, an uninitialized *[SourceChannel], or [Owned] of a source
// that should be disposed when the channel closes.
type Handler func(ctx context.Context, call *Call) (any, error)

// A Call carries one decoded request to a handler.
type Call struct {
	Channel *SourceChannel // the channel the request arrived on
	Context any            // the channel's context value
	Path    []string       // the requested method path
	Args    []any          // the method arguments
	IsNew   bool           // whether this request opens a new channel
}

// ErrSourceDisposed is reported by operations on a disposed source.
var ErrSourceDisposed = errors.New("source is disposed")

// Names of the inner events a source publishes to its endpoints.
// The "channel" name is reserved and currently never emitted.
const (
	innerMessage = "message"
	innerState   = "state"
	innerDispose = "dispose"
	innerChannel = "channel"
)

// A Source hosts application methods, a state value, and an event
// broadcaster. One source may back many channels across many links; every
// subscribed channel observes the same state changes and events, in the
// order the source emitted them. A source lives until Dispose is called and
// may outlive any number of channels.
//
// All methods of a Source are safe for concurrent use.
type Source struct {
	// emitμ serializes all emissions (state, events, dispose) and the
	// attachment of new subscribers, so every subscriber observes a single
	// total order of messages starting at its initial state.
	emitμ sync.Mutex

	μ        sync.Mutex
	handler  Handler
	state    any
	disposed bool
	reason   any

	hub emitter // inner events: message, state, dispose
}

// NewSource constructs a new source with the given handler and initial
// state. A nil handler rejects every request.
func NewSource(handler Handler, state any) *Source {
	return &Source{handler: handler, state: state}
}

// State returns the current state value of s.
func (s *Source) State() any {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.state
}

// Disposed reports whether s has been disposed.
func (s *Source) Disposed() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.disposed
}

// Emit broadcasts a user event to every subscribed channel on every link.
// The path must not be empty. Emit reports an error if s is disposed.
func (s *Source) Emit(path []string, args ...any) error {
	if len(path) == 0 {
		return errors.New("empty event path")
	}
	if s.Disposed() {
		return ErrSourceDisposed
	}
	s.emitμ.Lock()
	defer s.emitμ.Unlock()
	s.hub.emit(innerMessage, path, args)
	return nil
}

// SetState replaces the state of s with v and broadcasts the new value to
// every subscribed channel. If v is reference-equal to the current state no
// notification is sent. SetState reports an error if s is disposed.
func (s *Source) SetState(v any) error {
	return s.setState(func(any) any { return v })
}

// UpdateState applies f to the current state of s and broadcasts the result
// as SetState does.
func (s *Source) UpdateState(f func(old any) any) error {
	return s.setState(f)
}

func (s *Source) setState(f func(old any) any) error {
	s.emitμ.Lock()
	defer s.emitμ.Unlock()

	s.μ.Lock()
	if s.disposed {
		s.μ.Unlock()
		return ErrSourceDisposed
	}
	old := s.state
	next := f(old)
	if sameValue(old, next) {
		s.μ.Unlock()
		return nil
	}
	s.state = next
	s.μ.Unlock()

	s.hub.emit(innerState, next)
	return nil
}

// Dispose permanently shuts down s with the given reason. Every subscribed
// channel on every link is closed with the reason, and any channel later
// opened against s is rejected with it. Dispose is idempotent.
func (s *Source) Dispose(reason any) {
	s.μ.Lock()
	if s.disposed {
		s.μ.Unlock()
		return
	}
	s.disposed = true
	s.reason = reason
	s.μ.Unlock()

	s.emitμ.Lock()
	defer s.emitμ.Unlock()
	s.hub.emit(innerDispose, reason)
}

// handle invokes the handler of s for the given call.
func (s *Source) handle(ctx context.Context, call *Call) (any, error) {
	s.μ.Lock()
	h := s.handler
	s.μ.Unlock()
	if h == nil {
		return nil, errors.New("no handler")
	}
	return h(ctx, call)
}

// sync runs fn under the emission lock of s with the current state value.
// While fn runs, no state change, event, or disposal of s can be observed
// by any subscriber, so fn can attach a subscriber and deliver its initial
// state atomically with respect to the emission order. If s is disposed,
// fn is not run and sync reports the stored dispose reason.
func (s *Source) sync(fn func(state any)) error {
	s.emitμ.Lock()
	defer s.emitμ.Unlock()

	s.μ.Lock()
	disposed, reason, state := s.disposed, s.reason, s.state
	s.μ.Unlock()
	if disposed {
		return &CloseError{Reason: reason}
	}
	fn(state)
	return nil
}

// Owned wraps a source returned by a channel-creation handler to mark the
// new channel auto-disposing: when the channel closes for any reason, the
// source is disposed with the same reason.
func Owned(src *Source) any { return ownedSource{src} }

type ownedSource struct{ src *Source }

// sameValue reports whether old and next are the same value for the
// purpose of change detection. Comparable values use interface equality;
// uncomparable values are considered equal only when both are the same
// pointer, map, slice head, channel, or function, except that two empty
// slices of the same type are always considered equal.
func sameValue(old, next any) bool {
	if old == nil || next == nil {
		return old == next
	}
	ot, nt := reflect.TypeOf(old), reflect.TypeOf(next)
	if ot != nt {
		return false
	}
	if ot.Comparable() {
		return old == next
	}
	ov, nv := reflect.ValueOf(old), reflect.ValueOf(next)
	switch ov.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return ov.Pointer() == nv.Pointer()
	case reflect.Slice:
		return ov.Len() == nv.Len() && (ov.Len() == 0 || ov.Pointer() == nv.Pointer())
	}
	return false
}
