package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ErrNoClient is returned by Send when no client channel is open for the
// session. Callers generally treat it as informational.
var ErrNoClient = errors.New("no client connected")

// Transport delivers envelopes to client channels.
type Transport interface {
	Send(sessionID string, msg Message) error
	Broadcast(msg Message)
}

// Conn is the subset of *websocket.Conn the hub writes to.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type client struct {
	conn Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks client connections per session. A session may have several
// connections; each receives every message for that session.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Conn]*client
	log     *slog.Logger
}

// NewHub returns an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{clients: make(map[string]map[Conn]*client), log: log}
}

// Register adds conn to the session's client set.
func (h *Hub) Register(sessionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[Conn]*client)
	}
	h.clients[sessionID][conn] = &client{conn: conn}
	h.log.Debug("client registered",
		slog.String("session_id", sessionID),
		slog.Int("connections", len(h.clients[sessionID])))
}

// Unregister removes conn from the session's client set.
func (h *Hub) Unregister(sessionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, sessionID)
		}
	}
}

// Send writes msg to every connection of the session. Connections that fail
// to accept the write are dropped and closed.
func (h *Hub) Send(sessionID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	targets := h.snapshot(sessionID)
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrNoClient, sessionID)
	}
	for _, c := range targets {
		h.deliver(sessionID, c, data)
	}
	return nil
}

// Broadcast writes msg to every connection of every session.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode broadcast failed", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		for _, c := range h.snapshot(id) {
			h.deliver(id, c, data)
		}
	}
}

// HasClients reports whether any connection is open for the session.
func (h *Hub) HasClients(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID]) > 0
}

// ClientCount returns the total number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

func (h *Hub) snapshot(sessionID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.clients[sessionID]
	out := make([]*client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) deliver(sessionID string, c *client, data []byte) {
	if err := c.write(data); err != nil {
		h.log.Warn("client write failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		h.Unregister(sessionID, c.conn)
		c.conn.Close()
	}
}
