package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kenda/dispatch/internal/models"
)

// Session wraps a websocket connection with a write lock so the hub
// pump and control frames never interleave writes.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

func (s *Session) Send(ev models.RideEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

func (s *Session) Close() error { return s.conn.Close() }

// Pump copies events from sub to the websocket until the context ends,
// the subscription closes, or a write fails. It owns the subscription
// and closes it on the way out.
func (s *Session) Pump(ctx context.Context, sub *Subscription, log *slog.Logger) {
	defer sub.Close()
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.Send(ev); err != nil {
				log.Debug("ws send failed, dropping session", "error", err)
				return
			}
		}
	}
}
