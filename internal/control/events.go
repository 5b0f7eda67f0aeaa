package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/normanking/cortexlive/internal/bus"
)

const (
	eventQueueSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

// eventFrame is the first frame on a new stream: the full state, so
// clients need not poll after connecting.
type eventFrame struct {
	Type  string        `json:"type"`
	State stateResponse `json:"state"`
}

// handleEvents streams bus events as JSON text frames. Events are dropped
// for a client that falls behind; Seq exposes the gap.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SubscriberConnected(1)
	defer s.metrics.SubscriberConnected(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan bus.Event, eventQueueSize)
	unsubscribe := s.bus.SubscribeAll(func(e bus.Event) {
		select {
		case events <- e:
		default:
			s.logger.Debug().Str("type", string(e.Type)).Uint64("seq", e.Seq).Msg("Dropping event for slow subscriber")
		}
	})
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(eventFrame{Type: "state", State: s.state()}); err != nil {
			cancel()
			return
		}

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			case e := <-events:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(e); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients only send control frames; reading drives the pong handler and
	// detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
}
