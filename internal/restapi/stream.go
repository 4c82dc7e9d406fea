package restapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtiwari1/gophermeta/internal/coordinator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// streamMessage is one frame on /metadata/stream. Every frame carries the
// full published state; clients replace rather than merge.
type streamMessage struct {
	Type   string               `json:"type"`
	States coordinator.Snapshot `json:"states"`
}

// ---------- GET /metadata/stream ----------

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Info("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	snaps, unsubscribe := h.coord.Subscribe()
	defer unsubscribe()
	logger.Info("state stream opened", slog.String("remote", r.RemoteAddr))

	// The read loop only handles control frames and notices disconnects.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(streamMessage{Type: "snapshot", States: snap}); err != nil {
				logger.Info("state stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			logger.Info("state stream closed by client")
			return
		}
	}
}
