// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/creachadair/mds/value"
)

// A ClientAction discriminates messages sent from a channel endpoint to a
// source endpoint. All action values not defined here are reserved.
type ClientAction int

const (
	ActionCall   ClientAction = 0 // invoke a method and await its response
	ActionClose  ClientAction = 1 // close a channel
	ActionCreate ClientAction = 2 // open a nested channel
	ActionNotify ClientAction = 3 // invoke a method, discarding the result
)

func (a ClientAction) String() string {
	switch a {
	case ActionCall:
		return "CALL"
	case ActionClose:
		return "CLOSE"
	case ActionCreate:
		return "CREATE"
	case ActionNotify:
		return "NOTIFY"
	default:
		return fmt.Sprintf("ACTION:%d", int(a))
	}
}

// A SourceAction discriminates messages sent from a source endpoint to a
// channel endpoint. All action values not defined here are reserved.
type SourceAction int

const (
	ReplyResult SourceAction = 0 // successful call response
	ReplyClose  SourceAction = 1 // a channel was closed
	ReplyState  SourceAction = 2 // a state update
	ReplyError  SourceAction = 3 // failed call response
	ReplyEvent  SourceAction = 4 // a broadcast event
)

func (a SourceAction) String() string {
	switch a {
	case ReplyResult:
		return "RESULT"
	case ReplyClose:
		return "CLOSE"
	case ReplyState:
		return "STATE"
	case ReplyError:
		return "ERROR"
	case ReplyEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("ACTION:%d", int(a))
	}
}

// A clientMessage is the parsed form of a message from a channel endpoint.
// Exactly which fields are populated depends on the action.
type clientMessage struct {
	Init     bool         // this is an initialize message; only ID is set
	ID       string       // target channel id
	Action   ClientAction // discriminator
	Response uint32       // CALL: key matching the response to the call
	Target   string       // CREATE: id for the new channel
	Path     []string     // CALL, CREATE, NOTIFY: method path
	Args     []any        // CALL, CREATE, NOTIFY: method arguments
	Reason   any          // CLOSE: reason for closure
}

// decodeClient parses msg into a client message. A one-element message is
// an initialization for the channel id it carries. Messages shorter than
// three elements are otherwise not valid.
func decodeClient(msg []any) (*clientMessage, error) {
	if len(msg) == 1 {
		id, ok := wireID(msg[0])
		if !ok {
			return nil, fmt.Errorf("invalid channel id %T", msg[0])
		}
		return &clientMessage{Init: true, ID: id}, nil
	}
	if len(msg) < 3 {
		return nil, fmt.Errorf("short message (%d values)", len(msg))
	}
	id, ok := wireID(msg[0])
	if !ok {
		return nil, fmt.Errorf("invalid channel id %T", msg[0])
	}
	code, ok := wireInt(msg[1])
	if !ok {
		return nil, fmt.Errorf("invalid action code %T", msg[1])
	}
	cm := &clientMessage{ID: id, Action: ClientAction(code)}
	rest := msg[2:]

	switch cm.Action {
	case ActionCall:
		// [id, CALL, responseKey, path, args]
		if len(rest) != 3 {
			return nil, fmt.Errorf("call: got %d values, want 3", len(rest))
		}
		rk, ok := wireInt(rest[0])
		if !ok || rk < 0 || rk > math.MaxUint32 {
			return nil, fmt.Errorf("call: invalid response key %v", rest[0])
		}
		cm.Response = uint32(rk)
		if cm.Path, ok = wirePath(rest[1]); !ok {
			return nil, fmt.Errorf("call: invalid path %T", rest[1])
		}
		if cm.Args, ok = wireArgs(rest[2]); !ok {
			return nil, fmt.Errorf("call: invalid arguments %T", rest[2])
		}

	case ActionClose:
		// [id, CLOSE, reason]
		cm.Reason = rest[0]

	case ActionCreate:
		// [id, CREATE, newChannelId, path, args]
		if len(rest) != 3 {
			return nil, fmt.Errorf("create: got %d values, want 3", len(rest))
		}
		if cm.Target, ok = wireID(rest[0]); !ok {
			return nil, fmt.Errorf("create: invalid channel id %T", rest[0])
		}
		if cm.Path, ok = wirePath(rest[1]); !ok {
			return nil, fmt.Errorf("create: invalid path %T", rest[1])
		}
		if cm.Args, ok = wireArgs(rest[2]); !ok {
			return nil, fmt.Errorf("create: invalid arguments %T", rest[2])
		}

	case ActionNotify:
		// [id, NOTIFY, path, args]
		if len(rest) != 2 {
			return nil, fmt.Errorf("notify: got %d values, want 2", len(rest))
		}
		if cm.Path, ok = wirePath(rest[0]); !ok {
			return nil, fmt.Errorf("notify: invalid path %T", rest[0])
		}
		if cm.Args, ok = wireArgs(rest[1]); !ok {
			return nil, fmt.Errorf("notify: invalid arguments %T", rest[1])
		}

	default:
		return nil, fmt.Errorf("unknown action code %d", code)
	}
	return cm, nil
}

// String returns a human-friendly rendering of the message.
func (c *clientMessage) String() string {
	if c.Init {
		return fmt.Sprintf("Init(%s)", c.ID)
	}
	switch c.Action {
	case ActionCall:
		return fmt.Sprintf("Call(%s, key=%d, %q, %v)", c.ID, c.Response, c.Path, c.Args)
	case ActionClose:
		return fmt.Sprintf("Close(%s, %v)", c.ID, c.Reason)
	case ActionCreate:
		return fmt.Sprintf("Create(%s, new=%s, %q, %v)", c.ID, c.Target, c.Path, c.Args)
	case ActionNotify:
		return fmt.Sprintf("Notify(%s, %q, %v)", c.ID, c.Path, c.Args)
	}
	return fmt.Sprintf("Client(%s, %v)", c.ID, c.Action)
}

// A sourceMessage is the parsed form of a message from a source endpoint.
// The IDs field carries the destination channels; broadcasts are grouped,
// call responses always address exactly one channel.
type sourceMessage struct {
	IDs      []string     // destination channel ids
	Action   SourceAction // discriminator
	Response uint32       // RESULT, ERROR: key of the matching call
	Value    any          // RESULT: result; ERROR: error; STATE: state
	Reason   any          // CLOSE: reason for closure
	Path     []string     // EVENT: event path
	Args     []any        // EVENT: event arguments
}

// decodeSource parses msg into a source message.
func decodeSource(msg []any) (*sourceMessage, error) {
	if len(msg) < 3 {
		return nil, fmt.Errorf("short message (%d values)", len(msg))
	}
	ids, ok := wireIDList(msg[0])
	if !ok {
		return nil, fmt.Errorf("invalid channel id list %T", msg[0])
	}
	code, ok := wireInt(msg[1])
	if !ok {
		return nil, fmt.Errorf("invalid action code %T", msg[1])
	}
	sm := &sourceMessage{IDs: ids, Action: SourceAction(code)}
	rest := msg[2:]

	switch sm.Action {
	case ReplyResult, ReplyError:
		// [ids, RESULT|ERROR, responseKey, value]
		if len(rest) != 2 {
			return nil, fmt.Errorf("response: got %d values, want 2", len(rest))
		}
		rk, ok := wireInt(rest[0])
		if !ok || rk < 0 || rk > math.MaxUint32 {
			return nil, fmt.Errorf("response: invalid response key %v", rest[0])
		}
		sm.Response = uint32(rk)
		sm.Value = rest[1]

	case ReplyClose:
		// [ids, CLOSE, reason]
		sm.Reason = rest[0]

	case ReplyState:
		// [ids, STATE, value]
		sm.Value = rest[0]

	case ReplyEvent:
		// [ids, EVENT, path, args]
		if len(rest) != 2 {
			return nil, fmt.Errorf("event: got %d values, want 2", len(rest))
		}
		if sm.Path, ok = wirePath(rest[0]); !ok {
			return nil, fmt.Errorf("event: invalid path %T", rest[0])
		}
		if sm.Args, ok = wireArgs(rest[1]); !ok {
			return nil, fmt.Errorf("event: invalid arguments %T", rest[1])
		}

	default:
		return nil, fmt.Errorf("unknown action code %d", code)
	}
	return sm, nil
}

// String returns a human-friendly rendering of the message.
func (s *sourceMessage) String() string {
	switch s.Action {
	case ReplyResult, ReplyError:
		return fmt.Sprintf("%v(%v, key=%d, %v)", s.Action, s.IDs, s.Response, s.Value)
	case ReplyClose:
		return fmt.Sprintf("Close(%v, %v)", s.IDs, s.Reason)
	case ReplyState:
		return fmt.Sprintf("State(%v, %v)", s.IDs, s.Value)
	case ReplyEvent:
		return fmt.Sprintf("Event(%v, %q, %v)", s.IDs, s.Path, s.Args)
	}
	return fmt.Sprintf("Source(%v, %v)", s.IDs, s.Action)
}

// A MessageInfo combines a wire message with a flag indicating whether the
// message was sent or received.
type MessageInfo struct {
	Message []any // the message being logged
	Sent    bool  // whether the message was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%s %v", value.Cond(m.Sent, "send", "recv"), m.Message)
}

// A MessageLogger logs a message exchanged with the remote endpoint.
type MessageLogger func(msg MessageInfo)

// wireID normalizes a wire-level channel id to its string form. String ids
// pass through; numeric ids take their shortest decimal rendering, so that
// 7 and "7" address the same channel.
func wireID(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	if n, ok := wireNumber(v); ok {
		return n, true
	}
	return "", false
}

// wireIDList normalizes a wire-level list of channel ids.
func wireIDList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		ids := make([]string, len(t))
		for i, e := range t {
			id, ok := wireID(e)
			if !ok {
				return nil, false
			}
			ids[i] = id
		}
		return ids, true
	}
	return nil, false
}

// wirePath normalizes a wire-level method or event path. Segments must be
// strings or numbers; numbers are coerced to their decimal form.
func wirePath(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		path := make([]string, len(t))
		for i, e := range t {
			seg, ok := wireID(e)
			if !ok {
				return nil, false
			}
			path[i] = seg
		}
		return path, true
	}
	return nil, false
}

// wireArgs normalizes a wire-level argument list.
func wireArgs(v any) ([]any, bool) {
	if v == nil {
		return nil, true
	}
	t, ok := v.([]any)
	return t, ok
}

// wireInt extracts an integer from a wire value. Transports that decode
// from JSON deliver numbers as float64; integral floats are accepted.
func wireInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	}
	return 0, false
}

// wireNumber renders a numeric wire value in decimal, or reports false if v
// is not a number.
func wireNumber(v any) (string, bool) {
	if f, ok := v.(float64); ok && f != math.Trunc(f) {
		return strconv.FormatFloat(f, 'g', -1, 64), true
	}
	n, ok := wireInt(v)
	if !ok {
		return "", false
	}
	return strconv.FormatInt(n, 10), true
}

// eventKey derives the canonical dispatch key for an event path. The key is
// the JSON encoding of the segment list, which cannot collide with the
// literal built-in event names ("ready", "error", "close", "state").
func eventKey(path []string) string {
	data, err := json.Marshal(path)
	if err != nil {
		// A []string cannot fail to encode.
		panic(fmt.Errorf("encoding event key: %w", err))
	}
	return string(data)
}
