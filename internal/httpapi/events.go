package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// handleEventStream pushes controller notices to a WebSocket client until
// either side goes away. Client messages are ignored.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "correlation_id", correlationID)
		return
	}
	defer conn.CloseNow()

	notices, cancel := s.ctrl.Subscribe(32)
	defer cancel()
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case notice, ok := <-notices:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, notice)
			cancelWrite()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket write failed", "error", err, "correlation_id", correlationID)
				}
				return
			}
		}
	}
}
