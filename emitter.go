// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

import "sync"

// Names of the built-in lifecycle events dispatched through an emitter.
// User events are keyed by the JSON encoding of their path (see eventKey),
// which can never equal one of these literals.
const (
	eventReady = "ready"
	eventError = "error"
	eventClose = "close"
	eventState = "state"
)

// A listener is one registered callback on an emitter.
type listener struct {
	id   int
	fn   func(args []any)
	once bool
}

// An emitter is a named multi-listener callback registry. Listeners under
// one name are invoked in subscription order; a panic out of one listener
// does not prevent the remaining listeners from running. The zero value is
// ready for use.
type emitter struct {
	μ    sync.Mutex
	next int
	m    map[string][]listener
}

// on registers fn under name and returns a function that removes the
// registration. Removing an already-removed listener is a no-op.
func (e *emitter) on(name string, fn func(args []any)) func() {
	return e.add(name, fn, false)
}

// once registers fn under name for a single invocation.
func (e *emitter) once(name string, fn func(args []any)) func() {
	return e.add(name, fn, true)
}

func (e *emitter) add(name string, fn func(args []any), once bool) func() {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.m == nil {
		e.m = make(map[string][]listener)
	}
	e.next++
	id := e.next
	e.m[name] = append(e.m[name], listener{id: id, fn: fn, once: once})
	return func() { e.remove(name, id) }
}

func (e *emitter) remove(name string, id int) {
	e.μ.Lock()
	defer e.μ.Unlock()
	lis := e.m[name]
	for i, l := range lis {
		if l.id == id {
			e.m[name] = append(lis[:i:i], lis[i+1:]...)
			break
		}
	}
	if len(e.m[name]) == 0 {
		delete(e.m, name)
	}
}

// emit invokes the listeners registered under name with args, in
// subscription order. Listeners are invoked synchronously on the calling
// goroutine; panics are recovered per listener.
func (e *emitter) emit(name string, args ...any) {
	e.μ.Lock()
	lis := e.m[name]
	run := make([]listener, len(lis))
	copy(run, lis)
	for i := len(lis) - 1; i >= 0; i-- {
		if lis[i].once {
			lis = append(lis[:i:i], lis[i+1:]...)
		}
	}
	if len(lis) == 0 {
		delete(e.m, name)
	} else {
		e.m[name] = lis
	}
	e.μ.Unlock()

	for _, l := range run {
		apply(l.fn, args)
	}
}

// apply invokes fn with args, absorbing a panic so that one listener cannot
// disrupt the others.
func apply(fn func(args []any), args []any) {
	defer func() { recover() }()
	fn(args)
}
