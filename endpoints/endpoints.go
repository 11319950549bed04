// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package endpoints provides support code for wiring and testing statemux
// endpoints.
package endpoints

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/creachadair/statemux"
	"github.com/creachadair/statemux/link"
	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"
)

// Local is a connected source/channel endpoint pair sharing an in-memory
// link, suitable for testing.
type Local struct {
	Source *statemux.SourceEndpoint
	Client *statemux.ChannelEndpoint
}

// Stop shuts down both endpoints and blocks until both have exited.
func (l *Local) Stop() error {
	serr := l.Source.Stop()
	cerr := l.Client.Stop()
	if serr != nil {
		return serr
	}
	return cerr
}

// NewLocal creates a connected endpoint pair serving src over a direct
// in-memory link without encoding. Either options value may be nil.
func NewLocal(src *statemux.Source, sopts *statemux.SourceOptions, copts *statemux.ChannelOptions) *Local {
	a, b := link.Direct()
	return &Local{
		Source: statemux.NewSourceEndpoint(src, sopts).Start(a),
		Client: statemux.NewChannelEndpoint(copts).Start(b),
	}
}

// An Accepter accepts inbound links from clients.
type Accepter interface {
	Accept(context.Context) (statemux.Link, error)
}

// Serve accepts links from acc and starts a source endpoint for each one
// in a goroutine, so that every accepted link serves channels against the
// endpoint's root source. Serve continues until acc closes or ctx ends.
//
// When ctx terminates, all running endpoints are stopped. When acc closes,
// Serve waits for running endpoints to exit before returning. If log is
// nil, logging is discarded.
func Serve(ctx context.Context, acc Accepter, newEndpoint func() *statemux.SourceEndpoint, log *logrus.Logger) error {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	g := taskgroup.New(nil)
	var nlinks int
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			} else {
				log.WithError(err).Error("Accept failed")
			}
			g.Wait()
			return err
		}
		nlinks++
		n := nlinks
		log.WithField("link", n).Info("Link accepted")

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			ep := newEndpoint().Start(ch)
			go func() { <-sctx.Done(); ep.Stop() }()

			err := ep.Wait()
			if err != nil {
				log.WithField("link", n).WithError(err).Warn("Link failed")
			} else {
				log.WithField("link", n).Info("Link closed")
			}
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Accepted
// connections carry framed JSON messages as implemented by link.IO.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (statemux.Link, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to
	// clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return link.IO(conn, conn), nil
}
