// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package link provides implementations of the statemux.Link interface.
package link

import (
	"net"

	"github.com/creachadair/statemux"
)

// Direct constructs a connected pair of in-memory links that pass messages
// directly without encoding. Messages sent to A are received by B and vice
// versa.
//
// Closing one end closes only its sending direction: a Recv on the peer then
// reports net.ErrClosed, but a Recv pending on the closed end itself does
// not return until the peer closes its end as well.
func Direct() (A, B statemux.Link) {
	a2b := make(chan []any)
	b2a := make(chan []any)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- []any
	b2a <-chan []any
}

// Send implements a method of the [statemux.Link] interface.
func (d direct) Send(msg []any) (err error) {
	defer safeClose(&err)
	d.a2b <- msg
	return nil
}

// Recv implements a method of the [statemux.Link] interface.
func (d direct) Recv() ([]any, error) {
	msg, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return msg, nil
}

// Close implements a method of the [statemux.Link] interface.
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
