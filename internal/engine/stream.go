package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteWait = 10 * time.Second

// Stream is one open engine WebSocket channel. Send is safe for concurrent
// use; Receive must be called from a single goroutine.
type Stream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

// Send writes v as a JSON text frame.
func (s *Stream) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream send: encode: %w", err)
	}

	deadline := time.Now().Add(streamWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return classify("stream send", err)
	}
	return nil
}

// Receive blocks for the next text frame. It returns an error once the
// channel is closed from either side.
func (s *Stream) Receive() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and releases the connection. Repeated calls
// return the first result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// IsNormalClose reports whether err is an orderly close of the channel.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
