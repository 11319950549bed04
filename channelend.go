// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

import (
	"crypto/rand"
	"encoding/hex"
	"expvar"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// ChannelOptions are optional settings for a channel endpoint. A nil
// *ChannelOptions is ready for use and provides default values.
type ChannelOptions struct {
	// NextChannelID returns a fresh channel id. Ids must be unique among
	// the live channels of the link. If nil, a random 16-character id is
	// used; a deterministic sequence is acceptable when both peers agree.
	NextChannelID func() string

	// If positive, the root channel is closed with reason "timeout" if it
	// has not become ready when the duration elapses. A ready channel is
	// never closed by the timeout.
	ConnectTimeout time.Duration
}

func (o *ChannelOptions) nextChannelID() func() string {
	if o == nil || o.NextChannelID == nil {
		return randomChannelID
	}
	return o.NextChannelID
}

func (o *ChannelOptions) connectTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.ConnectTimeout
}

// randomChannelID returns a random 16-character channel id.
func randomChannelID() string {
	var buf [8]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// A ChannelEndpoint drives the client side of one link. Starting the
// endpoint opens the root channel; nested channels are opened through the
// NewChannel method of an existing channel.
//
// Call Start with a link to start the service routine for the endpoint.
// Once started, an endpoint runs until Stop is called, the link closes, or
// a protocol fatal error occurs. Use Wait to wait for the endpoint to exit
// and report its status.
type ChannelEndpoint struct {
	opts *ChannelOptions

	in  interface{ Recv() ([]any, error) }
	out struct {
		// Must hold the lock to send to or set link.
		sync.Mutex
		link Link
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err      error
	channels map[string]*Channel // channel registry for the link
	root     *Channel

	logμ sync.Mutex // a leaf lock, so logging cannot invert lock order
	plog MessageLogger
}

// NewChannelEndpoint constructs a new unstarted channel endpoint.
// A nil opts provides defaults.
func NewChannelEndpoint(opts *ChannelOptions) *ChannelEndpoint {
	return &ChannelEndpoint{opts: opts}
}

// Start starts the endpoint running on the given link, opens the root
// channel, and announces it to the source endpoint. Start does not block;
// use Root to obtain the root channel and its Wait method to await
// readiness.
func (e *ChannelEndpoint) Start(link Link) *ChannelEndpoint {
	if e.in != nil {
		panic("endpoint is already started")
	}

	g := taskgroup.New(nil)
	e.in = link
	e.tasks = g
	e.out.link = link
	e.err = nil
	e.channels = make(map[string]*Channel)

	root := e.openChannel()
	e.μ.Lock()
	e.root = root
	e.μ.Unlock()

	g.Go(func() error {
		for {
			msg, err := e.in.Recv()
			if err != nil {
				e.fail(err)
				return nil
			}
			clientMetrics.msgRecv.Add(1)
			e.dispatch(msg)
		}
	})

	if err := e.send([]any{root.id}); err != nil {
		e.closeChannel(root, err.Error(), false)
		return e
	}
	if d := e.opts.connectTimeout(); d > 0 {
		root.μ.Lock()
		if !root.ready && !root.closed {
			root.timer = time.AfterFunc(d, func() {
				e.expireChannel(root, "timeout")
			})
		}
		root.μ.Unlock()
	}
	return e
}

// Root returns the root channel of the endpoint, or nil if the endpoint
// has not been started.
func (e *ChannelEndpoint) Root() *Channel {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.root
}

// Metrics returns the metrics map shared by channel endpoints. It is safe
// for the caller to add additional metrics to the map.
func (e *ChannelEndpoint) Metrics() *expvar.Map { return clientMetrics.emap }

// LogMessages registers a callback invoked for each message exchanged with
// the remote endpoint, including messages to be discarded. Passing nil
// disables logging. The logger is invoked synchronously with dispatch.
func (e *ChannelEndpoint) LogMessages(log MessageLogger) *ChannelEndpoint {
	e.logμ.Lock()
	defer e.logμ.Unlock()
	e.plog = log
	return e
}

// Stop closes the link and terminates the endpoint. It blocks until the
// endpoint has exited and returns its status.
func (e *ChannelEndpoint) Stop() error { e.closeOut(); return e.Wait() }

// Wait blocks until e terminates and reports the error that caused it to
// stop. If e is not running, or stopped because of a closed link, Wait
// returns nil; otherwise it returns the error that triggered protocol
// failure.
func (e *ChannelEndpoint) Wait() error {
	e.μ.Lock()
	t := e.tasks
	e.μ.Unlock()
	if t == nil {
		return nil // the endpoint is not running
	}
	t.Wait()

	e.μ.Lock()
	defer e.μ.Unlock()
	e.in = nil
	e.tasks = nil
	e.out.Lock()
	e.out.link = nil
	e.out.Unlock()
	e.channels = nil

	if treatErrorAsSuccess(e.err) {
		return nil
	}
	return e.err
}

// fail closes every channel on the link with the failure reason and
// records the failure status.
func (e *ChannelEndpoint) fail(err error) {
	e.closeOut()

	e.μ.Lock()
	e.err = err
	chans := make([]*Channel, 0, len(e.channels))
	for _, ch := range e.channels {
		chans = append(chans, ch)
	}
	e.μ.Unlock()

	for _, ch := range chans {
		e.closeChannel(ch, err.Error(), false)
	}
}

func (e *ChannelEndpoint) closeOut() {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.link != nil {
		e.out.link.Close()
	}
}

// send transmits msg to the remote endpoint.
func (e *ChannelEndpoint) send(msg []any) error {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.link == nil {
		return net.ErrClosed
	}
	clientMetrics.msgSent.Add(1)
	e.logMessage(msg, true)
	return e.out.link.Send(msg)
}

func (e *ChannelEndpoint) logMessage(msg []any, sent bool) {
	e.logμ.Lock()
	plog := e.plog
	e.logμ.Unlock()
	if plog != nil {
		plog(MessageInfo{Message: msg, Sent: sent})
	}
}

// openChannel allocates a fresh channel id and registers a new pending
// channel under it.
func (e *ChannelEndpoint) openChannel() *Channel {
	next := e.opts.nextChannelID()
	e.μ.Lock()
	id := next()
	for e.channels[id] != nil {
		id = next()
	}
	c := newChannel(e, id)
	if e.channels == nil {
		// The endpoint is not running; the channel is stillborn.
		e.μ.Unlock()
		c.markClosed(net.ErrClosed.Error())
		return c
	}
	e.channels[id] = c
	clientMetrics.chanActive.Add(1)
	e.μ.Unlock()
	return c
}

// closeChannel closes c with the given reason and removes it from the
// registry. If send is true, a close notification is sent to the source.
func (e *ChannelEndpoint) closeChannel(c *Channel, reason any, send bool) {
	if c.markClosed(reason) {
		e.finishClose(c, reason, send)
	}
}

// expireChannel applies the connection timeout to c: it closes the channel
// only if it is still pending.
func (e *ChannelEndpoint) expireChannel(c *Channel, reason any) {
	if c.expireIfPending(reason) {
		e.finishClose(c, reason, true)
	}
}

func (e *ChannelEndpoint) finishClose(c *Channel, reason any, send bool) {
	e.μ.Lock()
	registered := e.channels != nil && e.channels[c.id] == c
	if registered {
		delete(e.channels, c.id)
		clientMetrics.chanActive.Add(-1)
	}
	e.μ.Unlock()

	if registered && send {
		e.send([]any{c.id, int(ActionClose), reason})
	}
}

// dispatch routes an inbound message from the source endpoint. Broadcast
// messages carry a group of destination channel ids; ids not present in
// the registry are skipped.
func (e *ChannelEndpoint) dispatch(msg []any) {
	e.logMessage(msg, false)

	sm, err := decodeSource(msg)
	if err != nil {
		clientMetrics.msgDropped.Add(1)
		return
	}

	for _, id := range sm.IDs {
		e.μ.Lock()
		ch := e.channels[id]
		e.μ.Unlock()
		if ch == nil {
			clientMetrics.msgDropped.Add(1)
			continue
		}

		switch sm.Action {
		case ReplyResult:
			ch.settleCall(sm.Response, callResult{value: sm.Value})
		case ReplyError:
			ch.settleCall(sm.Response, callResult{err: &CallError{Value: sm.Value}})
		case ReplyState:
			ch.applyState(sm.Value)
		case ReplyClose:
			e.closeChannel(ch, sm.Reason, false)
		case ReplyEvent:
			clientMetrics.eventIn.Add(1)
			ch.hub.emit(eventKey(sm.Path), sm.Args...)
		}
	}
}
