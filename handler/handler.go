// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler builds statemux handlers from nested maps of methods.
//
// A handler built by this package resolves each request path segment by
// segment through a [Map], rejecting segments that could reach outside the
// tree, and dispatches to the resolved method, source, or constructor.
//
// Methods receive the originating source channel and its context value on
// the call, so an application method can address the single channel it was
// invoked on:
//
//	"poke": handler.Func(func(ctx context.Context, call *statemux.Call) (any, error) {
//	   return nil, call.Channel.Emit([]string{"poked"}, call.Context)
//	}),
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/statemux"
)

// A Func is a callable method in a handler map. For calls it returns the
// result value delivered to the caller; for notifications the result and
// any error are discarded.
type Func func(ctx context.Context, call *statemux.Call) (any, error)

// A Map is a tree of handler targets addressed by path segments. The value
// for a segment must be one of:
//
//   - a Map (or map[string]any), continuing the tree,
//   - a Func (or a function with the same signature), invoked by calls and
//     notifications,
//   - a *statemux.Source, to which a new channel binds directly,
//   - a Constructor or *Constructor, opening a new channel on a source
//     constructed per request.
type Map map[string]any

// A Constructor opens a nested channel by constructing a fresh source for
// each request. The constructor receives the creation call, including the
// parent channel and its context value.
type Constructor struct {
	// New returns the source for the new channel.
	New func(ctx context.Context, call *statemux.Call) (*statemux.Source, error)

	// If true, the new channel disposes the constructed source when the
	// channel closes, with the channel's close reason.
	AutoDispose bool
}

// Options are optional settings for a handler. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// If non-empty, Prefix is prepended to the first segment of every
	// request path before resolution. This permits one map to serve
	// several roles, e.g. a prefix "rpc_" exposes only keys so named.
	Prefix string
}

func (o *Options) prefix() string {
	if o == nil {
		return ""
	}
	return o.Prefix
}

// forbiddenSteps are path segments that are rejected outright. In the
// protocol's original habitat these reach prototype internals; they remain
// reserved in every implementation.
var forbiddenSteps = []string{"__proto__", "prototype", "constructor", "call", "apply", "bind"}

func isForbidden(seg string) bool {
	for _, w := range forbiddenSteps {
		if seg == w {
			return true
		}
	}
	return false
}

// New builds a handler resolving request paths through root. New reports
// an error if the configured prefix could complete a forbidden segment.
func New(root Map, opts *Options) (statemux.Handler, error) {
	prefix := opts.prefix()
	if prefix != "" {
		for _, w := range forbiddenSteps {
			if strings.HasPrefix(w, prefix) {
				return nil, fmt.Errorf("forbidden prefix %q", prefix)
			}
		}
	}
	return func(ctx context.Context, call *statemux.Call) (any, error) {
		v, err := resolve(root, prefix, call.Path)
		if err != nil {
			return nil, err
		}
		if call.IsNew {
			return construct(ctx, call, v)
		}
		fn, ok := toFunc(v)
		if !ok {
			return nil, errors.New("wrong data type")
		}
		return fn(ctx, call)
	}, nil
}

// Must is New, but panics on error. It simplifies static handler maps.
func Must(root Map, opts *Options) statemux.Handler {
	h, err := New(root, opts)
	if err != nil {
		panic(fmt.Sprintf("handler: %v", err))
	}
	return h
}

// resolve walks root by the segments of path. Each step must land on an
// own entry of a map; the reserved segments are rejected before lookup.
func resolve(root Map, prefix string, path []string) (any, error) {
	if len(path) == 0 {
		return nil, errors.New("wrong path: empty path")
	}
	var cur any = root
	for i, seg := range path {
		if i == 0 && prefix != "" {
			seg = prefix + seg
		}
		if isForbidden(seg) {
			return nil, fmt.Errorf("wrong path: forbidden step %q", seg)
		}
		m, ok := toMap(cur)
		if !ok {
			return nil, fmt.Errorf("wrong path: not object at %q", seg)
		}
		v, ok := m[seg]
		if !ok {
			return nil, fmt.Errorf("wrong path: forbidden prop %q", seg)
		}
		cur = v
	}
	return cur, nil
}

// construct interprets the resolved value for a channel-creation request.
func construct(ctx context.Context, call *statemux.Call, v any) (any, error) {
	switch t := v.(type) {
	case *statemux.Source:
		if len(call.Args) != 0 {
			return nil, errors.New("wrong data type")
		}
		return t, nil
	case Constructor:
		return newSource(ctx, call, t)
	case *Constructor:
		return newSource(ctx, call, *t)
	default:
		return nil, errors.New("wrong data type")
	}
}

func newSource(ctx context.Context, call *statemux.Call, c Constructor) (any, error) {
	src, err := c.New(ctx, call)
	if err != nil {
		return nil, err
	}
	if c.AutoDispose {
		return statemux.Owned(src), nil
	}
	return src, nil
}

func toMap(v any) (Map, bool) {
	switch t := v.(type) {
	case Map:
		return t, true
	case map[string]any:
		return t, true
	}
	return nil, false
}

func toFunc(v any) (Func, bool) {
	switch t := v.(type) {
	case Func:
		return t, true
	case func(context.Context, *statemux.Call) (any, error):
		return t, true
	}
	return nil, false
}
