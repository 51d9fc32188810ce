package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// handleEvents streams store change events as JSON text messages over a
// websocket. The UI uses this to re-read after a mutation instead of
// polling. Dropped events are acceptable; the stream is a hint, the store
// is the truth.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		// Accept already answered the handshake failure.
		s.log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.store.Subscribe(64)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "store closed")
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
