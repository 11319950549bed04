// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package link

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// Websocket adapts a websocket connection to a link. Each message travels
// as one JSON-encoded text frame. The resulting link supports one
// concurrent sender and one concurrent receiver, per the websocket
// connection's own rules.
func Websocket(conn *websocket.Conn) WSLink { return WSLink{conn: conn} }

// A WSLink sends and receives messages on a websocket connection.
type WSLink struct {
	conn *websocket.Conn
}

// Send implements a method of the [statemux.Link] interface.
func (c WSLink) Send(msg []any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv implements a method of the [statemux.Link] interface. A normal
// closure by the peer is reported as net.ErrClosed.
func (c WSLink) Recv() ([]any, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	var msg []any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// Close implements a method of the [statemux.Link] interface.
func (c WSLink) Close() error { return c.conn.Close() }
