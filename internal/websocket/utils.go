package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Conn serializes writes on a gorilla connection. Gorilla allows one
// concurrent writer, and the control-channel forwarder writes alongside the
// read loop.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Wrap returns a Conn over ws.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WriteTyped sends a strongly-typed payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// WriteJSON sends an event with its data.
func (c *Conn) WriteJSON(event Event, data interface{}) error {
	return c.WriteTyped(ResponsePayload{Event: event, Data: data})
}

// WriteError sends a typed ErrorResponse.
func (c *Conn) WriteError(action Action, code, msg string, retryable bool) error {
	return c.WriteTyped(ErrorResponse{
		Event:     EventError,
		Action:    action,
		Code:      code,
		Error:     msg,
		Retryable: retryable,
	})
}

// ReadJSON reads and decodes a message into v with a read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	return c.ws.ReadJSON(v)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
