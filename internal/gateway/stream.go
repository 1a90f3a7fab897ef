package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the wire shape of one bus event pushed to a stream client.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// handleEvents upgrades the connection and forwards bus events whose topic
// starts with the optional ?topic= prefix. An empty prefix subscribes to
// everything. The subscription drops events when the client cannot keep up;
// clients needing a complete record read /api/tasks/{id}/events instead.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event bus unavailable"})
		return
	}
	prefix := r.URL.Query().Get("topic")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sub := s.cfg.Bus.Subscribe(prefix)
	s.logger.Info("events: client connected", "prefix", prefix)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.logger.Info("events: client disconnected", "prefix", prefix)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}
