// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/creachadair/statemux"
	"github.com/creachadair/statemux/endpoints"
	"github.com/creachadair/statemux/link"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// testTimeout bounds all waits in this file so a wedged endpoint fails
// fast instead of hanging the test run.
const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// intArgs converts the arguments of a call to ints.
func intArgs(args []any) ([]int, error) {
	out := make([]int, len(args))
	for i, arg := range args {
		v, ok := arg.(int)
		if !ok {
			return nil, fmt.Errorf("argument %d: got %T, want int", i+1, arg)
		}
		out[i] = v
	}
	return out, nil
}

// mathSource constructs a source with a sum method and an initial state.
func mathSource(state any) *statemux.Source {
	var src *statemux.Source
	src = statemux.NewSource(func(_ context.Context, call *statemux.Call) (any, error) {
		switch len(call.Path) {
		case 1:
			switch call.Path[0] {
			case "sum":
				vs, err := intArgs(call.Args)
				if err != nil {
					return nil, err
				}
				var sum int
				for _, v := range vs {
					sum += v
				}
				return sum, nil
			case "set":
				return nil, src.SetState(call.Args[0])
			case "fail":
				return nil, errors.New("boom")
			}
		}
		return nil, fmt.Errorf("unknown method %q", call.Path)
	}, state)
	return src
}

func mustStop(t *testing.T, loc *endpoints.Local) {
	t.Helper()
	if err := loc.Stop(); err != nil {
		t.Errorf("Stopping endpoints: %v", err)
	}
}

func TestEchoCall(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	loc := endpoints.NewLocal(mathSource(nil), nil, nil)
	defer mustStop(t, loc)

	ch := loc.Client.Root()
	if err := ch.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}

	var states int
	ch.OnState(func(state, old any) { states++ })

	v, err := ch.Call(ctx, []string{"sum"}, 2, 3)
	if err != nil {
		t.Fatalf("Call sum: unexpected error: %v", err)
	}
	if v != 5 {
		t.Errorf("Call sum: got %v, want 5", v)
	}
	if states != 0 {
		t.Errorf("Observed %d state changes, want 0", states)
	}
}

func TestCallError(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	loc := endpoints.NewLocal(mathSource(nil), nil, nil)
	defer mustStop(t, loc)

	ch := loc.Client.Root()
	if err := ch.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}

	v, err := ch.Call(ctx, []string{"fail"})
	if v != nil {
		t.Errorf("Call fail: unexpected result %v", v)
	}
	var cerr *statemux.CallError
	if !errors.As(err, &cerr) {
		t.Fatalf("Call fail: got error %[1]T (%[1]v), want *CallError", err)
	}
	if cerr.Value != "boom" {
		t.Errorf("CallError value: got %v, want boom", cerr.Value)
	}

	// A handler failure leaves the channel open.
	if !ch.Ready() {
		t.Error("Channel is not ready after a failed call")
	}
}

func TestSharedState(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	src := mathSource("a")
	loc1 := endpoints.NewLocal(src, nil, nil)
	defer mustStop(t, loc1)
	loc2 := endpoints.NewLocal(src, nil, nil)
	defer mustStop(t, loc2)

	ch1, ch2 := loc1.Client.Root(), loc2.Client.Root()
	for _, ch := range []*statemux.Channel{ch1, ch2} {
		if err := ch.Wait(ctx); err != nil {
			t.Fatalf("Channel not ready: %v", err)
		}
		if got := ch.State(); got != "a" {
			t.Errorf("Initial state: got %v, want a", got)
		}
	}

	type change struct{ State, Old any }
	changes := make(chan change, 4)
	ch2.OnState(func(state, old any) { changes <- change{state, old} })

	if _, err := ch1.Call(ctx, []string{"set"}, "b"); err != nil {
		t.Fatalf("Call set: unexpected error: %v", err)
	}

	// Messages on one link are dispatched in order, so the state update
	// precedes the call response and ch1 has already applied it.
	if got := ch1.State(); got != "b" {
		t.Errorf("ch1 state after set: got %v, want b", got)
	}

	select {
	case got := <-changes:
		if diff := cmp.Diff(change{"b", "a"}, got); diff != "" {
			t.Errorf("ch2 state change (-want, +got):\n%s", diff)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the state change on ch2")
	}
	if got := ch2.State(); got != "b" {
		t.Errorf("ch2 state after set: got %v, want b", got)
	}

	// Setting a reference-equal state emits no notification: the flush
	// event below must be the next message both channels observe.
	if _, err := ch1.Call(ctx, []string{"set"}, "b"); err != nil {
		t.Fatalf("Call set: unexpected error: %v", err)
	}
	flush := make(chan struct{}, 1)
	ch2.On([]string{"flush"}, func([]any) { flush <- struct{}{} })
	if err := src.Emit([]string{"flush"}); err != nil {
		t.Fatalf("Emit flush: unexpected error: %v", err)
	}
	select {
	case <-flush:
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the flush event")
	}
	select {
	case got := <-changes:
		t.Errorf("Unexpected extra state change: %+v", got)
	default:
	}
}

func TestEvents(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	src := mathSource(nil)
	loc := endpoints.NewLocal(src, nil, nil)
	defer mustStop(t, loc)

	ch := loc.Client.Root()
	if err := ch.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}

	var order []string
	done := make(chan struct{}, 1)
	ch.On([]string{"a", "b", "c"}, func(args []any) {
		order = append(order, fmt.Sprintf("first:%v", args))
	})
	ch.On([]string{"a", "b", "c"}, func([]any) {
		panic("listener exploded")
	})
	ch.On([]string{"a", "b", "c"}, func(args []any) {
		order = append(order, fmt.Sprintf("third:%v", args))
		done <- struct{}{}
	})

	// A user event named "state" travels under its path key and does not
	// collide with the built-in state update.
	var stateEvents, stateUpdates int
	ch.On([]string{"state"}, func([]any) { stateEvents++ })
	ch.OnState(func(state, old any) { stateUpdates++ })

	if err := src.Emit([]string{"state"}, "custom"); err != nil {
		t.Fatalf("Emit state: unexpected error: %v", err)
	}
	if err := src.Emit([]string{"a", "b", "c"}, 25); err != nil {
		t.Fatalf("Emit a/b/c: unexpected error: %v", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the event")
	}

	if diff := cmp.Diff([]string{"first:[25]", "third:[25]"}, order); diff != "" {
		t.Errorf("Listener order (-want, +got):\n%s", diff)
	}
	if stateEvents != 1 {
		t.Errorf("Custom state events: got %d, want 1", stateEvents)
	}
	if stateUpdates != 0 {
		t.Errorf("Built-in state updates: got %d, want 0", stateUpdates)
	}
}

func TestChannelEmit(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	// The poke method addresses only the channel it was called on.
	src := statemux.NewSource(func(_ context.Context, call *statemux.Call) (any, error) {
		return nil, call.Channel.Emit([]string{"poked"}, call.Context)
	}, nil)

	loc1 := endpoints.NewLocal(src, &statemux.SourceOptions{Context: "link1"}, nil)
	defer mustStop(t, loc1)
	loc2 := endpoints.NewLocal(src, &statemux.SourceOptions{Context: "link2"}, nil)
	defer mustStop(t, loc2)

	ch1, ch2 := loc1.Client.Root(), loc2.Client.Root()
	if err := ch1.Wait(ctx); err != nil {
		t.Fatalf("Channel not ready: %v", err)
	}
	if err := ch2.Wait(ctx); err != nil {
		t.Fatalf("Channel not ready: %v", err)
	}

	got1 := make(chan []any, 1)
	ch1.Once([]string{"poked"}, func(args []any) { got1 <- args })
	var poked2 int
	ch2.On([]string{"poked"}, func([]any) { poked2++ })

	if _, err := ch1.Call(ctx, []string{"poke"}, nil); err != nil {
		t.Fatalf("Call poke: unexpected error: %v", err)
	}
	select {
	case args := <-got1:
		if diff := cmp.Diff([]any{"link1"}, args); diff != "" {
			t.Errorf("Poke args (-want, +got):\n%s", diff)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the poke event")
	}
	if poked2 != 0 {
		t.Errorf("ch2 observed %d pokes, want 0", poked2)
	}
}

func TestNotify(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	noted := make(chan []any, 1)
	src := statemux.NewSource(func(_ context.Context, call *statemux.Call) (any, error) {
		noted <- call.Args
		return "ignored", errors.New("also ignored")
	}, nil)

	loc := endpoints.NewLocal(src, nil, nil)
	defer mustStop(t, loc)

	ch := loc.Client.Root()
	if err := ch.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}
	if err := ch.Notify([]string{"note"}, "hello"); err != nil {
		t.Fatalf("Notify: unexpected error: %v", err)
	}
	select {
	case args := <-noted:
		if diff := cmp.Diff([]any{"hello"}, args); diff != "" {
			t.Errorf("Notify args (-want, +got):\n%s", diff)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the notification")
	}
	if !ch.Ready() {
		t.Error("Channel is not ready after a failed notification")
	}
}

func TestNestedChannel(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	inner := mathSource("inner")
	outer := statemux.NewSource(func(_ context.Context, call *statemux.Call) (any, error) {
		if call.IsNew && call.Path[0] == "Inner" {
			return inner, nil
		}
		return nil, fmt.Errorf("unknown method %q", call.Path)
	}, "outer")

	hooks := make(chan string, 4)
	loc := endpoints.NewLocal(outer, &statemux.SourceOptions{
		OnCreateChannel: func(ch, parent *statemux.SourceChannel) {
			if parent == nil {
				hooks <- "root"
			} else {
				hooks <- "child-of-" + parent.ID()
			}
		},
	}, nil)
	defer mustStop(t, loc)

	root := loc.Client.Root()
	if err := root.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}

	sub := root.NewChannel([]string{"Inner"})
	if err := sub.Wait(ctx); err != nil {
		t.Fatalf("Nested channel not ready: %v", err)
	}
	if got := sub.State(); got != "inner" {
		t.Errorf("Nested state: got %v, want inner", got)
	}
	if v, err := sub.Call(ctx, []string{"sum"}, 4, 5); err != nil || v != 9 {
		t.Errorf("Nested call sum: got %v, %v; want 9, nil", v, err)
	}

	// Closing the nested channel leaves the parent ready.
	closed := make(chan any, 1)
	sub.OnClose(func(reason any) { closed <- reason })
	sub.Close("done here")
	select {
	case reason := <-closed:
		if reason != "done here" {
			t.Errorf("Nested close reason: got %v, want done here", reason)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the nested close")
	}
	if !root.Ready() {
		t.Error("Parent channel is not ready after nested close")
	}
	if inner.Disposed() {
		t.Error("Inner source was disposed by a plain nested close")
	}

	var got []string
	for range 2 {
		select {
		case h := <-hooks:
			got = append(got, h)
		case <-ctx.Done():
			t.Fatal("Timed out waiting for the channel hooks")
		}
	}
	if diff := cmp.Diff([]string{"root", "child-of-" + root.ID()}, got); diff != "" {
		t.Errorf("Channel hooks (-want, +got):\n%s", diff)
	}
}

func TestDisposePropagation(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	inner := mathSource("inner")
	outer := statemux.NewSource(func(_ context.Context, call *statemux.Call) (any, error) {
		if call.IsNew {
			return inner, nil
		}
		return nil, fmt.Errorf("unknown method %q", call.Path)
	}, "outer")

	loc1 := endpoints.NewLocal(outer, nil, nil)
	defer mustStop(t, loc1)
	loc2 := endpoints.NewLocal(outer, nil, nil)
	defer mustStop(t, loc2)

	var parents, subs []*statemux.Channel
	for _, loc := range []*endpoints.Local{loc1, loc2} {
		root := loc.Client.Root()
		if err := root.Wait(ctx); err != nil {
			t.Fatalf("Root channel not ready: %v", err)
		}
		sub := root.NewChannel([]string{"Inner"})
		if err := sub.Wait(ctx); err != nil {
			t.Fatalf("Nested channel not ready: %v", err)
		}
		parents = append(parents, root)
		subs = append(subs, sub)
	}

	closed := make(chan any, 2)
	for _, sub := range subs {
		sub.OnClose(func(reason any) { closed <- reason })
	}

	inner.Dispose("gone")
	for range subs {
		select {
		case reason := <-closed:
			if reason != "gone" {
				t.Errorf("Nested close reason: got %v, want gone", reason)
			}
		case <-ctx.Done():
			t.Fatal("Timed out waiting for the nested closures")
		}
	}
	for i, root := range parents {
		if !root.Ready() {
			t.Errorf("Parent %d is not ready after the dispose", i+1)
		}
	}

	// A channel opened against the disposed source is rejected with the
	// stored reason.
	late := parents[0].NewChannel([]string{"Inner"})
	var cerr *statemux.CloseError
	if err := late.Wait(ctx); !errors.As(err, &cerr) {
		t.Fatalf("Late channel: got error %[1]T (%[1]v), want *CloseError", err)
	} else if cerr.Reason != "gone" {
		t.Errorf("Late channel reason: got %v, want gone", cerr.Reason)
	}
}

func TestAutoDispose(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	var made *statemux.Source
	src := statemux.NewSource(func(_ context.Context, call *statemux.Call) (any, error) {
		if !call.IsNew {
			return nil, errors.New("wrong data type")
		}
		switch call.Path[0] {
		case "Make":
			made = mathSource("fresh")
			return statemux.Owned(made), nil
		case "Reuse":
			return made, nil
		}
		return nil, fmt.Errorf("unknown method %q", call.Path)
	}, nil)

	loc := endpoints.NewLocal(src, nil, nil)
	defer mustStop(t, loc)

	root := loc.Client.Root()
	if err := root.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}

	sub := root.NewChannel([]string{"Make"})
	if err := sub.Wait(ctx); err != nil {
		t.Fatalf("Constructed channel not ready: %v", err)
	}
	if made.Disposed() {
		t.Fatal("Constructed source is disposed while its channel is open")
	}

	sub.Close("bye")
	deadline := time.After(testTimeout)
	for !made.Disposed() {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for the auto-dispose")
		case <-time.After(time.Millisecond):
		}
	}

	// Reusing the disposed source is rejected with the close reason.
	late := root.NewChannel([]string{"Reuse"})
	var cerr *statemux.CloseError
	if err := late.Wait(ctx); !errors.As(err, &cerr) {
		t.Fatalf("Late channel: got error %[1]T (%[1]v), want *CloseError", err)
	} else if cerr.Reason != "bye" {
		t.Errorf("Late channel reason: got %v, want bye", cerr.Reason)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	release := make(chan struct{})
	src := statemux.NewSource(func(_ context.Context, call *statemux.Call) (any, error) {
		<-release
		return "late", nil
	}, nil)

	loc := endpoints.NewLocal(src, nil, nil)
	defer mustStop(t, loc)
	defer close(release) // let the handler finish before Stop

	ch := loc.Client.Root()
	if err := ch.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Call(ctx, []string{"hang"})
		errs <- err
	}()

	// Give the call a moment to get onto the wire, then close under it.
	time.Sleep(5 * time.Millisecond)
	ch.Close("going away")

	select {
	case err := <-errs:
		var cerr *statemux.CloseError
		if !errors.As(err, &cerr) {
			t.Fatalf("Call: got error %[1]T (%[1]v), want *CloseError", err)
		}
		if cerr.Reason != "going away" {
			t.Errorf("Close reason: got %v, want going away", cerr.Reason)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the pending call to settle")
	}

	// Closing again neither panics nor fires events twice; calls on the
	// closed channel fail immediately.
	ch.Close("again")
	if _, err := ch.Call(ctx, []string{"sum"}); err == nil {
		t.Error("Call on closed channel unexpectedly succeeded")
	}
}

func TestLinkFailure(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	src := mathSource("s")
	loc := endpoints.NewLocal(src, nil, nil)

	ch := loc.Client.Root()
	if err := ch.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}

	closed := make(chan any, 1)
	ch.OnClose(func(reason any) { closed <- reason })

	// Tearing down the link closes every channel on both endpoints.
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the close")
	}
	if !ch.Closed() {
		t.Error("Channel is not closed after link failure")
	}
}

func TestConnectionTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := testContext(t)

	// The source side swallows everything and never answers. Like a real
	// endpoint, it closes its end once its receive fails.
	a, b := link.Direct()
	silent := make(chan struct{})
	go func() {
		defer close(silent)
		defer a.Close()
		for {
			if _, err := a.Recv(); err != nil {
				return
			}
		}
	}()

	cep := statemux.NewChannelEndpoint(&statemux.ChannelOptions{
		ConnectTimeout: 25 * time.Millisecond,
	}).Start(b)

	ch := cep.Root()
	var nerr, nclose int
	ready := make(chan struct{}, 1)
	ch.OnError(func(reason any) { nerr++ })
	ch.OnClose(func(reason any) { nclose++; ready <- struct{}{} })

	var cerr *statemux.CloseError
	if err := ch.Wait(ctx); !errors.As(err, &cerr) {
		t.Fatalf("Wait: got error %[1]T (%[1]v), want *CloseError", err)
	} else if cerr.Reason != "timeout" {
		t.Errorf("Timeout reason: got %v, want timeout", cerr.Reason)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the close event")
	}
	if nerr != 1 || nclose != 1 {
		t.Errorf("Got %d error and %d close events, want 1 and 1", nerr, nclose)
	}

	if err := cep.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	<-silent
}
