package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ponzS/talkflow-core/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// EventService streams bus events over a WebSocket.
type EventService struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEventService creates the event stream service.
func NewEventService(b *bus.Bus, logger *zap.Logger) *EventService {
	return &EventService{bus: b, logger: logger}
}

// Register mounts the event stream routes.
func (s *EventService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/events", s.stream)
	mux.HandleFunc("POST /v1/events/foreground", s.foreground)
}

// foreground lets a UI client report that it came back to the foreground.
// The delivery queue subscribes to the event and runs an immediate pass.
func (s *EventService) foreground(w http.ResponseWriter, r *http.Request) {
	s.bus.Publish(bus.Event{Kind: "app.foreground", Timestamp: time.Now()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// stream forwards bus events matching the optional ?prefix= filter until
// the client goes away. A slow client loses events rather than blocking
// the bus; that matches the bus's own drop-on-full policy.
func (s *EventService) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("event stream accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	prefix := r.URL.Query().Get("prefix")
	ch, unsub := s.bus.Subscribe(prefix, 64)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case evt := <-ch:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
