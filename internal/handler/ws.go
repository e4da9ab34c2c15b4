package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/hub"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsReadLimitBytes = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin dashboards are expected; auth lives upstream.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSink adapts a websocket connection to the hub's Sink contract. Writes
// are serialized by the session actor, so no extra locking is needed.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(f hub.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(f)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

// Stream upgrades to a websocket and bridges it to the broadcast hub.
func (h *Handler) Stream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return nil
	}
	conn.SetReadLimit(wsReadLimitBytes)

	session := h.hub.Attach(&wsSink{conn: conn})
	h.logger.Debug("stream session opened", zap.String("session_id", session.ID))

	// Read loop: control messages feed the hub until the peer goes away.
	go func() {
		defer h.hub.Detach(session)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.hub.HandleControl(session, raw)
		}
	}()
	return nil
}
