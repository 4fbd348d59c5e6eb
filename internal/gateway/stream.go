package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/basket/floorwatch/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// streamMessage is one cycle event sent to a /v1/stream client.
type streamMessage struct {
	Type string `json:"type"`
	Pass string `json:"pass"`
	PassSnapshot
}

// handleStream upgrades to a websocket and forwards every cycle event until
// the client goes away or the server closes. Clients only read.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always accepted.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("stream: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe("cycle.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("stream: client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream: client disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
			return
		case <-s.ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			p, ok := ev.Payload.(bus.CycleEvent)
			if !ok {
				continue
			}
			msg := streamMessage{Type: ev.Topic, Pass: p.Pass, PassSnapshot: snapshotOf(ev.Topic, p)}
			if err := writeStream(ctx, conn, msg); err != nil {
				s.logger.Debug("stream: write failed", "error", err)
				return
			}
		}
	}
}

func writeStream(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
