// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package link_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/statemux"
	"github.com/creachadair/statemux/link"
	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
)

func TestWebsocket(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	src := statemux.NewSource(func(_ context.Context, call *statemux.Call) (any, error) {
		if call.Path[0] != "sum" {
			return nil, fmt.Errorf("unknown method %q", call.Path)
		}
		var sum float64
		for _, arg := range call.Args {
			v, ok := arg.(float64)
			if !ok {
				return nil, errors.New("non-numeric argument")
			}
			sum += v
		}
		return sum, nil
	}, "ws-state")

	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: unexpected error: %v", err)
			return
		}
		// The endpoint exits when the client hangs up; the error, if any,
		// reflects how the socket went down and is not interesting here.
		statemux.NewSourceEndpoint(src, nil).Start(link.Websocket(conn)).Wait()
	}))
	defer srv.Close()

	conn, rsp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: unexpected error: %v", err)
	}
	if rsp.Body != nil {
		defer rsp.Body.Close()
	}

	cep := statemux.NewChannelEndpoint(nil).Start(link.Websocket(conn))
	defer cep.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := cep.Root()
	if err := ch.Wait(ctx); err != nil {
		t.Fatalf("Root channel not ready: %v", err)
	}
	if got := ch.State(); got != "ws-state" {
		t.Errorf("State: got %v, want ws-state", got)
	}

	// Values travel as JSON over the socket, so numbers arrive as float64.
	v, err := ch.Call(ctx, []string{"sum"}, 2, 3)
	if err != nil {
		t.Fatalf("Call sum: unexpected error: %v", err)
	}
	if v != float64(5) {
		t.Errorf("Call sum: got %v, want 5", v)
	}
}
