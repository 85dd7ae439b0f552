// Package transport contains the delivery backends and the router that
// selects between them. The direct channel sends over sockets held by this
// process; the relay channel reaches sockets held elsewhere.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultWriteWait bounds every data write. A peer that stops reading with a
// full send buffer would otherwise block the writer forever.
const defaultWriteWait = 10 * time.Second

// directConn wraps a websocket with a write mutex. A single connection is
// only ever driven by one transport at a time, so serializing writes here is
// what preserves per-connection FIFO ordering.
type directConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	userID string
}

// DirectTable holds the websockets this process has open, keyed by connection
// id. It is a local optimization for "do I personally hold this socket"; the
// shared registry remains the source of truth for routing decisions.
type DirectTable struct {
	conns     sync.Map // map[string]*directConn
	writeWait time.Duration
}

// NewDirectTable creates an empty table.
func NewDirectTable() *DirectTable {
	return &DirectTable{writeWait: defaultWriteWait}
}

// Add registers a locally held socket.
func (t *DirectTable) Add(connectionID, userID string, ws *websocket.Conn) {
	t.conns.Store(connectionID, &directConn{ws: ws, userID: userID})
}

// Drop forgets a locally held socket. Dropping an unknown id is a no-op.
func (t *DirectTable) Drop(connectionID string) {
	t.conns.Delete(connectionID)
}

// Has reports whether this process holds the socket for the connection.
func (t *DirectTable) Has(connectionID string) bool {
	_, ok := t.conns.Load(connectionID)
	return ok
}

// Send writes one payload to a locally held socket. A write error, including
// a stalled peer hitting the write deadline, means the remote is gone; the
// caller prunes the connection.
func (t *DirectTable) Send(connectionID string, payload []byte) error {
	val, ok := t.conns.Load(connectionID)
	if !ok {
		return fmt.Errorf("no local socket for connection %s", connectionID)
	}
	conn := val.(*directConn)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
	if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("direct write failed: %w", err)
	}
	return nil
}

// Ping writes a control ping to a locally held socket, sharing the write
// mutex with Send so heartbeats cannot interleave with event frames.
func (t *DirectTable) Ping(connectionID string, deadline time.Time) error {
	val, ok := t.conns.Load(connectionID)
	if !ok {
		return fmt.Errorf("no local socket for connection %s", connectionID)
	}
	conn := val.(*directConn)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// Broadcast writes a payload to every locally held socket except those owned
// by excludeUserID. Broadcast delivery is best-effort: a failed socket is
// dropped from the table so it cannot stall later broadcasts, and its read
// loop reaps the registry entry.
func (t *DirectTable) Broadcast(payload []byte, excludeUserID string) {
	t.conns.Range(func(key, val any) bool {
		conn := val.(*directConn)
		if conn.userID == excludeUserID {
			return true
		}
		conn.mu.Lock()
		_ = conn.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
		err := conn.ws.WriteMessage(websocket.TextMessage, payload)
		conn.mu.Unlock()
		if err != nil {
			t.conns.Delete(key)
		}
		return true
	})
}
