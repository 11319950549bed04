// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program statemux is a command-line utility for serving and querying
// statemux sources.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/statemux"
	"github.com/creachadair/statemux/endpoints"
	"github.com/creachadair/statemux/handler"
	"github.com/creachadair/statemux/link"
	"github.com/creachadair/statemux/stream"
	"github.com/sirupsen/logrus"
)

var flags struct {
	Address string `flag:"address,Service address (host:port or socket path)"`
	Verbose bool   `flag:"v,Enable verbose logging"`
}

var callFlags struct {
	Timeout time.Duration `flag:"timeout,default=1m,Call timeout"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for serving and querying statemux sources.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Serve a demonstration counter source at the given address.

The source state is a counter. Remote methods:

  math.sum <n>...  : return the sum of the arguments
  add <n>          : add n to the counter state
  ping             : emit a "pong" event to the calling channel
  Counter          : open a nested channel with a private counter
`,
				Run: runServe,
			},
			{
				Name:     "call",
				Usage:    "<path> [json-arg...]",
				Help:     "Call a method of the source at the given dotted path.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:  "watch",
				Usage: "[event-path]",
				Help:  "Watch state changes, and events at the given dotted path.",
				Run:   runWatch,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if flags.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// demoSource constructs the source served by the serve command.
func demoSource(log *logrus.Logger) *statemux.Source {
	var src *statemux.Source
	src = statemux.NewSource(handler.Must(handler.Map{
		"math": handler.Map{
			"sum": handler.Func(func(_ context.Context, call *statemux.Call) (any, error) {
				var sum float64
				for _, arg := range call.Args {
					v, ok := arg.(float64)
					if !ok {
						return nil, fmt.Errorf("non-numeric argument %v", arg)
					}
					sum += v
				}
				return sum, nil
			}),
		},
		"add": handler.Func(func(_ context.Context, call *statemux.Call) (any, error) {
			if len(call.Args) != 1 {
				return nil, errors.New("want exactly one argument")
			}
			n, ok := call.Args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("non-numeric argument %v", call.Args[0])
			}
			var total any
			err := src.UpdateState(func(old any) any {
				total = old.(float64) + n
				return total
			})
			return total, err
		}),
		"ping": handler.Func(func(_ context.Context, call *statemux.Call) (any, error) {
			return nil, call.Channel.Emit([]string{"pong"}, time.Now().Format(time.RFC3339))
		}),
		"Counter": handler.Constructor{
			New: func(_ context.Context, call *statemux.Call) (*statemux.Source, error) {
				log.WithField("context", call.Context).Debug("Opening counter channel")
				return newCounter(), nil
			},
			AutoDispose: true,
		},
	}, nil), float64(0))
	return src
}

// newCounter constructs a private counter source for nested channels.
func newCounter() *statemux.Source {
	var src *statemux.Source
	src = statemux.NewSource(handler.Must(handler.Map{
		"add": handler.Func(func(_ context.Context, call *statemux.Call) (any, error) {
			n, _ := call.Args[0].(float64)
			var total any
			err := src.UpdateState(func(old any) any {
				total = old.(float64) + n
				return total
			})
			return total, err
		}),
	}, nil), float64(0))
	return src
}

func runServe(env *command.Env) error {
	log := newLogger()
	ntype, addr := splitAddress(flags.Address)
	lst, err := net.Listen(ntype, addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.WithField("address", lst.Addr()).Info("Serving counter source")

	src := demoSource(log)
	return endpoints.Serve(env.Context(), endpoints.NetAccepter(lst), func() *statemux.SourceEndpoint {
		return statemux.NewSourceEndpoint(src, &statemux.SourceOptions{Context: lst.Addr().String()})
	}, log)
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing method path")
	}
	path := strings.Split(env.Args[0], ".")
	args := make([]any, len(env.Args[1:]))
	for i, raw := range env.Args[1:] {
		if err := json.Unmarshal([]byte(raw), &args[i]); err != nil {
			args[i] = raw // not JSON: pass the literal text
		}
	}

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()

	ch, cep, err := dialRoot(ctx)
	if err != nil {
		return err
	}
	defer cep.Stop()

	result, err := ch.Call(ctx, path, args...)
	if err != nil {
		return fmt.Errorf("call %q: %w", env.Args[0], err)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runWatch(env *command.Env) error {
	ctx := env.Context()
	ch, cep, err := dialRoot(ctx)
	if err != nil {
		return err
	}
	defer cep.Stop()

	if len(env.Args) != 0 {
		path := strings.Split(env.Args[0], ".")
		go func() {
			for args := range stream.Events(ch, path) {
				printJSON("event", map[string]any{"path": env.Args[0], "args": args})
			}
		}()
	}
	printJSON("state", ch.State())
	for state := range stream.States(ch) {
		printJSON("state", state)
	}
	if reason := ch.CloseReason(); reason != nil {
		return fmt.Errorf("channel closed: %v", reason)
	}
	return nil
}

func printJSON(kind string, v any) {
	out, err := json.Marshal(v)
	if err != nil {
		out = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	fmt.Printf("%s\t%s\n", kind, string(out))
}

// dialRoot connects to the configured address and waits for the root
// channel to become ready.
func dialRoot(ctx context.Context) (*statemux.Channel, *statemux.ChannelEndpoint, error) {
	conn, err := net.Dial(splitAddress(flags.Address))
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	cep := statemux.NewChannelEndpoint(nil).Start(link.IO(conn, conn))
	ch := cep.Root()
	if err := ch.Wait(ctx); err != nil {
		cep.Stop()
		return nil, nil, fmt.Errorf("channel not ready: %w", err)
	}
	return ch, cep, nil
}

// splitAddress guesses a network type for an address string: addresses of
// the form [host]:port are "tcp", anything else is a "unix" socket path.
func splitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 || strings.IndexByte(s[:i], '/') >= 0 {
		return "unix", s
	}
	for _, b := range s[i+1:] {
		if !(b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-') {
			return "unix", s
		}
	}
	if s[i+1:] == "" {
		return "unix", s
	}
	return "tcp", s
}
