package relay

import (
	"log/slog"
	"net/http"
	"time"

	"detection-relay/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxClientFrame = 8 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades client connections and feeds them to the Relay.
type WSHandler struct {
	hub   *Hub
	relay *Relay
	log   *slog.Logger
}

// NewWSHandler returns a WSHandler.
func NewWSHandler(hub *Hub, relay *Relay, log *slog.Logger) *WSHandler {
	return &WSHandler{hub: hub, relay: relay, log: log}
}

// Serve handles GET /ws/realtime/{session_id}.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !session.ValidID(sessionID) {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}

	h.hub.Register(sessionID, conn)
	h.relay.OnClientOpen(sessionID)
	go h.readPump(sessionID, conn)
}

func (h *WSHandler) readPump(sessionID string, conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(sessionID, conn)
		conn.Close()
		h.relay.OnClientClose(sessionID)
	}()

	conn.SetReadLimit(maxClientFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Info("client read error",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := h.relay.OnClientMessage(sessionID, data); err != nil {
			h.hub.Send(sessionID, StatusMessage("error", err.Error()))
		}
	}
}
