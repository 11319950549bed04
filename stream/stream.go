// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package stream exposes the event and state feeds of a channel as
// iterators, for consumers that prefer a pull-style loop over callbacks.
package stream

import (
	"iter"

	"github.com/creachadair/statemux"
)

// Events yields the argument tuples of the events broadcast under path on
// c, in arrival order, until c closes or the consumer stops iterating.
//
// Delivery into the iterator is synchronous with event dispatch, so a slow
// consumer applies backpressure to the link. Events not consumed between
// iterations are not buffered beyond the one in flight.
func Events(c *statemux.Channel, path []string) iter.Seq[[]any] {
	return func(yield func([]any) bool) {
		vals := make(chan []any)
		stop := make(chan struct{})
		closed := make(chan struct{})

		offEvent := c.On(path, func(args []any) {
			select {
			case vals <- args:
			case <-stop:
			case <-closed:
			}
		})
		defer offEvent()
		offClose := c.OnClose(func(any) { close(closed) })
		defer offClose()
		defer close(stop)

		// The close listener cannot fire for a channel that closed before it
		// was registered.
		if c.Closed() {
			return
		}
		for {
			select {
			case v := <-vals:
				if !yield(v) {
					return
				}
			case <-closed:
				return
			}
		}
	}
}

// States yields each state update of c as a (state, old) pair, in arrival
// order, until c closes or the consumer stops iterating. For the update
// that made the channel ready, old is nil.
//
// As with [Events], delivery is synchronous with dispatch.
func States(c *statemux.Channel) iter.Seq2[any, any] {
	return func(yield func(state, old any) bool) {
		type pair struct{ state, old any }
		vals := make(chan pair)
		stop := make(chan struct{})
		closed := make(chan struct{})

		offState := c.OnState(func(state, old any) {
			select {
			case vals <- pair{state, old}:
			case <-stop:
			case <-closed:
			}
		})
		defer offState()
		offClose := c.OnClose(func(any) { close(closed) })
		defer offClose()
		defer close(stop)

		if c.Closed() {
			return
		}
		for {
			select {
			case v := <-vals:
				if !yield(v.state, v.old) {
					return
				}
			case <-closed:
				return
			}
		}
	}
}
