// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// SourceOptions are optional settings for a source endpoint. A nil
// *SourceOptions is ready for use and provides default values.
type SourceOptions struct {
	// The maximum number of live channels permitted on the link.
	// If zero, the number of channels is not limited.
	MaxChannels int

	// An opaque value attached as the context of every source channel
	// opened on the link, typically the transport identity.
	Context any

	// If set, OnCreateChannel is invoked for every channel opened on the
	// link, root or nested, after the channel becomes ready. For nested
	// channels, parent is the channel whose handler opened it; for root
	// channels parent is nil. The hook runs synchronously with the channel's
	// initialization: for root channels on the dispatch goroutine, for
	// nested channels on the goroutine serving the creation request.
	OnCreateChannel func(ch, parent *SourceChannel)
}

func (o *SourceOptions) maxChannels() int {
	if o == nil {
		return 0
	}
	return o.MaxChannels
}

func (o *SourceOptions) context() any {
	if o == nil {
		return nil
	}
	return o.Context
}

func (o *SourceOptions) onCreateChannel() func(ch, parent *SourceChannel) {
	if o == nil {
		return nil
	}
	return o.OnCreateChannel
}

// A subscription tracks the channel ids on one link subscribed to one
// source, and the detach function for the listeners attached to that
// source's inner events. Listener attachment happens exactly once per
// source per link, when the first subscriber appears; detachment happens
// when the last subscriber is removed.
type subscription struct {
	μ    sync.Mutex
	ids  []string
	off  func()
	dead bool
}

// snapshot returns a copy of the current subscriber ids.
func (s *subscription) snapshot() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	ids := make([]string, len(s.ids))
	copy(ids, s.ids)
	return ids
}

// A SourceEndpoint serves the source side of one link. It decodes inbound
// client messages, routes them to the handlers of the sources its channels
// are bound to, and fans out state, event, and close messages to the
// subscribers of each source.
//
// Call Start with a link to start the service routine for the endpoint.
// Once started, an endpoint runs until Stop is called, the link closes, or
// a protocol fatal error occurs. Use Wait to wait for the endpoint to exit
// and report its status.
type SourceEndpoint struct {
	root *Source
	opts *SourceOptions

	in  interface{ Recv() ([]any, error) }
	out struct {
		// Must hold the lock to send to or set link.
		sync.Mutex
		link Link
	}
	tasks *taskgroup.Group

	// initμ serializes channel initialization so that the limit, conflict,
	// and disposed checks compose atomically.
	initμ sync.Mutex

	μ sync.Mutex

	err      error                     // protocol fatal error
	channels map[string]*SourceChannel // channel registry for the link
	subs     map[*Source]*subscription // subscriber map for the link
	hctx     context.Context           // base context for handlers
	hcancel  context.CancelFunc

	logμ sync.Mutex // a leaf lock, so logging cannot invert lock order
	plog MessageLogger
}

// NewSourceEndpoint constructs a new unstarted source endpoint whose root
// channels bind to src. A nil opts provides defaults.
func NewSourceEndpoint(src *Source, opts *SourceOptions) *SourceEndpoint {
	return &SourceEndpoint{root: src, opts: opts}
}

// Start starts the endpoint running on the given link. The endpoint runs
// until the link closes or a protocol fatal error occurs. Start does not
// block; call Wait to wait for the endpoint to exit and report its status.
func (e *SourceEndpoint) Start(link Link) *SourceEndpoint {
	if e.in != nil {
		panic("endpoint is already started")
	}

	g := taskgroup.New(nil)
	e.in = link
	e.tasks = g
	e.out.link = link
	e.err = nil
	e.channels = make(map[string]*SourceChannel)
	e.subs = make(map[*Source]*subscription)
	e.hctx, e.hcancel = context.WithCancel(context.Background())

	g.Go(func() error {
		for {
			msg, err := e.in.Recv()
			if err != nil {
				e.fail(err)
				return nil
			}
			sourceMetrics.msgRecv.Add(1)
			e.dispatch(msg)
		}
	})

	return e
}

// Metrics returns the metrics map shared by source endpoints. It is safe
// for the caller to add additional metrics to the map.
func (e *SourceEndpoint) Metrics() *expvar.Map { return sourceMetrics.emap }

// LogMessages registers a callback invoked for each message exchanged with
// the remote endpoint, including messages to be discarded. Passing nil
// disables logging. The logger is invoked synchronously with dispatch.
func (e *SourceEndpoint) LogMessages(log MessageLogger) *SourceEndpoint {
	e.logμ.Lock()
	defer e.logμ.Unlock()
	e.plog = log
	return e
}

// NewChannel constructs a new pending source channel on e bound to src,
// suitable to be returned by a channel-creation handler. The channel
// carries the endpoint's configured context value.
func (e *SourceEndpoint) NewChannel(src *Source) *SourceChannel {
	return newSourceChannel(e, src, e.opts.context())
}

// Stop closes the link and terminates the endpoint. It blocks until the
// endpoint has exited and returns its status.
func (e *SourceEndpoint) Stop() error { e.closeOut(); return e.Wait() }

// Wait blocks until e terminates and reports the error that caused it to
// stop. If e is not running, or stopped because of a closed link, Wait
// returns nil; otherwise it returns the error that triggered protocol
// failure. After Wait completes it is safe to restart the endpoint with a
// new link.
func (e *SourceEndpoint) Wait() error {
	e.μ.Lock()
	t := e.tasks
	e.μ.Unlock()
	if t == nil {
		return nil // the endpoint is not running
	}
	t.Wait()

	// Clean up endpoint state so it can be garbage collected.
	e.μ.Lock()
	defer e.μ.Unlock()
	e.in = nil
	e.tasks = nil
	e.out.Lock()
	e.out.link = nil
	e.out.Unlock()
	e.channels = nil
	e.subs = nil

	if treatErrorAsSuccess(e.err) {
		return nil
	}
	return e.err
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// fail terminates all channels on the link and records the failure status.
func (e *SourceEndpoint) fail(err error) {
	e.closeOut()
	e.hcancel()

	e.μ.Lock()
	e.err = err
	chans := make([]*SourceChannel, 0, len(e.channels))
	for _, ch := range e.channels {
		chans = append(chans, ch)
	}
	e.μ.Unlock()

	for _, ch := range chans {
		e.closeChannel(ch, err.Error(), false)
	}
}

func (e *SourceEndpoint) closeOut() {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.link != nil {
		e.out.link.Close()
	}
}

// send transmits msg to the remote endpoint.
func (e *SourceEndpoint) send(msg []any) error {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.link == nil {
		return net.ErrClosed
	}
	sourceMetrics.msgSent.Add(1)
	e.logMessage(msg, true)
	return e.out.link.Send(msg)
}

func (e *SourceEndpoint) logMessage(msg []any, sent bool) {
	e.logμ.Lock()
	plog := e.plog
	e.logμ.Unlock()
	if plog != nil {
		plog(MessageInfo{Message: msg, Sent: sent})
	}
}

// sendState sends a state update to the given channel ids. If the send
// fails, it is retried once with an error sentinel so the peer is still
// notified; a second failure is dropped.
func (e *SourceEndpoint) sendState(ids []string, state any) {
	sourceMetrics.stateOut.Add(1)
	if err := e.send([]any{ids, int(ReplyState), state}); err != nil {
		e.send([]any{ids, int(ReplyState), "state parse error"})
	}
}

// sendClose sends a close notification to the given channel ids.
func (e *SourceEndpoint) sendClose(ids []string, reason any) {
	if err := e.send([]any{ids, int(ReplyClose), reason}); err != nil {
		e.send([]any{ids, int(ReplyClose), "parse error"})
	}
}

// sendResponse sends a call response to a single channel, retrying once
// with an error sentinel if the value cannot be sent.
func (e *SourceEndpoint) sendResponse(id string, action SourceAction, key uint32, value any) {
	if err := e.send([]any{[]string{id}, int(action), key, value}); err != nil {
		e.send([]any{[]string{id}, int(ReplyError), key, "parse error"})
	}
}

// dispatch routes an inbound message from the remote endpoint.
func (e *SourceEndpoint) dispatch(msg []any) {
	e.logMessage(msg, false)

	cm, err := decodeClient(msg)
	if err != nil {
		sourceMetrics.msgDropped.Add(1)
		return
	}
	if cm.Init {
		e.dispatchInit(cm)
		return
	}

	e.μ.Lock()
	ch := e.channels[cm.ID]
	e.μ.Unlock()
	if ch == nil {
		e.sendClose([]string{cm.ID}, "wrong channel")
		if cm.Action == ActionCreate {
			e.sendClose([]string{cm.Target}, "wrong channel")
		}
		return
	}

	switch cm.Action {
	case ActionCall:
		e.dispatchCall(ch, cm)
	case ActionNotify:
		e.dispatchNotify(ch, cm)
	case ActionClose:
		e.closeChannel(ch, cm.Reason, false)
	case ActionCreate:
		e.dispatchCreate(ch, cm)
	}
}

// dispatchInit opens a root channel bound to the root source under the
// requested id.
func (e *SourceEndpoint) dispatchInit(cm *clientMessage) {
	c := newSourceChannel(e, e.root, e.opts.context())
	if err := e.initChannel(c, cm.ID, nil); err != nil {
		reason := reasonValue(err)
		c.markClosed(reason)
		e.sendClose([]string{cm.ID}, reason)
	}
}

// dispatchCall services a call request on its own goroutine. The response
// is dropped if the channel closed while the handler was pending.
func (e *SourceEndpoint) dispatchCall(ch *SourceChannel, cm *clientMessage) {
	sourceMetrics.callIn.Add(1)
	e.tasks.Go(func() error {
		result, err := e.invoke(&Call{
			Channel: ch,
			Context: ch.ctxv,
			Path:    cm.Path,
			Args:    cm.Args,
		})
		if ch.Closed() {
			return nil
		}
		if err == nil {
			switch result.(type) {
			case *Source, *SourceChannel, ownedSource:
				// Channel-valued results are only meaningful for CREATE.
				err = errors.New("wrong data type")
			}
		}
		if err != nil {
			sourceMetrics.callInErr.Add(1)
			e.sendResponse(ch.ID(), ReplyError, cm.Response, reasonValue(err))
		} else {
			e.sendResponse(ch.ID(), ReplyResult, cm.Response, result)
		}
		return nil
	})
}

// dispatchNotify services a notification; the result and any error are
// discarded.
func (e *SourceEndpoint) dispatchNotify(ch *SourceChannel, cm *clientMessage) {
	e.tasks.Go(func() error {
		e.invoke(&Call{
			Channel: ch,
			Context: ch.ctxv,
			Path:    cm.Path,
			Args:    cm.Args,
		})
		return nil
	})
}

// dispatchCreate services a channel-creation request on its own goroutine.
// A failure is reported to the requester as a CLOSE on the new channel id;
// the parent channel stays open.
func (e *SourceEndpoint) dispatchCreate(ch *SourceChannel, cm *clientMessage) {
	e.tasks.Go(func() error {
		nc, err := e.makeChannel(ch, cm)
		if err == nil {
			err = e.initChannel(nc, cm.Target, ch)
		}
		if err != nil {
			reason := reasonValue(err)
			if nc != nil {
				nc.markClosed(reason)
			}
			e.sendClose([]string{cm.Target}, reason)
		}
		return nil
	})
}

// makeChannel invokes the handler for a channel-creation request and
// interprets its result as a pending source channel.
func (e *SourceEndpoint) makeChannel(ch *SourceChannel, cm *clientMessage) (*SourceChannel, error) {
	result, err := e.invoke(&Call{
		Channel: ch,
		Context: ch.ctxv,
		Path:    cm.Path,
		Args:    cm.Args,
		IsNew:   true,
	})
	if err != nil {
		return nil, err
	}
	switch t := result.(type) {
	case *Source:
		return e.NewChannel(t), nil
	case ownedSource:
		nc := e.NewChannel(t.src)
		nc.SetAutoDispose(true)
		return nc, nil
	case *SourceChannel:
		if t.ep != e {
			return nil, errors.New("channel from a different link")
		}
		return t, nil
	default:
		return nil, errors.New("wrong data type")
	}
}

// invoke runs the handler of the channel's source, converting a panic into
// an error response.
func (e *SourceEndpoint) invoke(call *Call) (result any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return call.Channel.src.handle(e.hctx, call)
}

// initChannel initializes c under id: it verifies the channel limit,
// initialization state, id uniqueness, and source liveness; registers the
// channel; attaches it to the source's subscriber list; sends the initial
// state; and marks the channel ready.
func (e *SourceEndpoint) initChannel(c *SourceChannel, id string, parent *SourceChannel) error {
	e.initμ.Lock()
	defer e.initμ.Unlock()

	e.μ.Lock()
	if e.channels == nil {
		e.μ.Unlock()
		return errors.New("endpoint is not running")
	}
	if max := e.opts.maxChannels(); max > 0 && len(e.channels) >= max {
		e.μ.Unlock()
		return errors.New("channels limit")
	}
	if !c.tryAttach(id) {
		e.μ.Unlock()
		return errors.New("channel is already initialized")
	}
	if prior := e.channels[id]; prior != nil {
		e.μ.Unlock()
		e.closeChannel(prior, "channel id conflict", true)
		return errors.New("channel id conflict")
	}
	e.channels[id] = c
	sourceMetrics.chanActive.Add(1)
	e.μ.Unlock()

	src := c.src
	err := src.sync(func(state any) {
		sub := e.ensureSub(src)
		sub.μ.Lock()
		sub.ids = append(sub.ids, id)
		sub.μ.Unlock()
		c.setUnsub(func() { e.dropSubscriber(src, id) })

		// The initial state goes out under the source's emission lock, so
		// it precedes anything the channel will subsequently observe.
		e.sendState([]string{id}, state)
	})
	if err != nil {
		// The source is disposed; the caller reports the stored reason.
		e.μ.Lock()
		if e.channels[id] == c {
			delete(e.channels, id)
			sourceMetrics.chanActive.Add(-1)
		}
		e.μ.Unlock()
		return err
	}

	c.markReady()
	if hook := e.opts.onCreateChannel(); hook != nil {
		hook(c, parent)
	}
	return nil
}

// ensureSub returns the subscription for src, creating it and attaching
// the source's inner event listeners if this is the first subscriber.
// The caller must hold the source's emission lock (via Source.sync).
func (e *SourceEndpoint) ensureSub(src *Source) *subscription {
	e.μ.Lock()
	sub := e.subs[src]
	if sub != nil {
		sub.μ.Lock()
		dead := sub.dead
		sub.μ.Unlock()
		if dead {
			sub = nil
		}
	}
	if sub != nil {
		e.μ.Unlock()
		return sub
	}

	sub = &subscription{}
	e.subs[src] = sub
	e.μ.Unlock()

	offMsg := src.hub.on(innerMessage, func(args []any) {
		e.fanoutEvent(sub, args[0].([]string), args[1].([]any))
	})
	offState := src.hub.on(innerState, func(args []any) {
		e.fanoutState(sub, args[0])
	})
	offDispose := src.hub.on(innerDispose, func(args []any) {
		e.fanoutDispose(src, sub, args[0])
	})
	sub.μ.Lock()
	sub.off = func() { offMsg(); offState(); offDispose() }
	sub.μ.Unlock()
	return sub
}

// dropSubscriber removes id from the subscriber list for src. When the
// list empties, the subscription is retired and the source's inner event
// listeners are detached.
func (e *SourceEndpoint) dropSubscriber(src *Source, id string) {
	e.μ.Lock()
	sub := e.subs[src]
	if sub == nil {
		e.μ.Unlock()
		return
	}
	sub.μ.Lock()
	for i, s := range sub.ids {
		if s == id {
			sub.ids = append(sub.ids[:i:i], sub.ids[i+1:]...)
			break
		}
	}
	var off func()
	if len(sub.ids) == 0 && !sub.dead {
		sub.dead = true
		off = sub.off
		delete(e.subs, src)
	}
	sub.μ.Unlock()
	e.μ.Unlock()
	if off != nil {
		off()
	}
}

// fanoutState forwards a state change to the current subscribers of sub.
func (e *SourceEndpoint) fanoutState(sub *subscription, state any) {
	if ids := sub.snapshot(); len(ids) > 0 {
		e.sendState(ids, state)
	}
}

// fanoutEvent forwards a broadcast event to the current subscribers of
// sub. Events carry no sentinel retry: there is no response the peer is
// waiting on, so an unsendable event is counted as dropped instead.
func (e *SourceEndpoint) fanoutEvent(sub *subscription, path []string, args []any) {
	ids := sub.snapshot()
	if len(ids) == 0 {
		return
	}
	sourceMetrics.eventOut.Add(1)
	if err := e.send([]any{ids, int(ReplyEvent), path, args}); err != nil {
		sourceMetrics.msgDropped.Add(1)
	}
}

// fanoutDispose reacts to the disposal of src: it notifies all subscribed
// channels, removes them from the registry, retires the subscription, and
// detaches the listeners. It runs under the source's emission lock, so no
// message can follow the close notification.
func (e *SourceEndpoint) fanoutDispose(src *Source, sub *subscription, reason any) {
	sub.μ.Lock()
	ids := sub.ids
	sub.ids = nil
	sub.dead = true
	off := sub.off
	sub.μ.Unlock()

	if len(ids) > 0 {
		e.sendClose(ids, reason)
	}

	e.μ.Lock()
	if e.subs[src] == sub {
		delete(e.subs, src)
	}
	chans := make([]*SourceChannel, 0, len(ids))
	for _, id := range ids {
		if ch := e.channels[id]; ch != nil && ch.src == src {
			delete(e.channels, id)
			sourceMetrics.chanActive.Add(-1)
			chans = append(chans, ch)
		}
	}
	e.μ.Unlock()

	if off != nil {
		off()
	}
	for _, ch := range chans {
		ch.markClosed(reason)
	}
}

// closeChannel closes c with the given reason, removing it from the
// registry. If send is true and the channel was registered, a close
// notification is sent to the peer. A channel with auto-dispose set
// disposes its bound source with the same reason.
func (e *SourceEndpoint) closeChannel(c *SourceChannel, reason any, send bool) {
	if !c.markClosed(reason) {
		return
	}
	id := c.ID()

	e.μ.Lock()
	registered := id != "" && e.channels != nil && e.channels[id] == c
	if registered {
		delete(e.channels, id)
		sourceMetrics.chanActive.Add(-1)
	}
	e.μ.Unlock()

	if registered && send {
		e.sendClose([]string{id}, reason)
	}
	if c.AutoDispose() {
		c.src.Dispose(reason)
	}
}

// reasonValue converts an error into the reason value reported to the
// peer: the stored reason for a close error, otherwise the error text.
func reasonValue(err error) any {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}
