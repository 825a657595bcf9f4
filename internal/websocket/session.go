package websocket

import (
	"context"
	"encoding/json"

	"github.com/gofiber/contrib/websocket"

	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/model"
	"github.com/makeasinger/render-api/internal/progress"
)

// SessionStream relays one render session's progress channel to websocket
// clients. The connection is closed after the terminal event.
type SessionStream struct {
	broker progress.Broker
	log    *logger.Logger
}

// NewSessionStream builds a SessionStream over broker.
func NewSessionStream(broker progress.Broker, log *logger.Logger) *SessionStream {
	return &SessionStream{broker: broker, log: logger.OrNop(log).WithComponent("ws_session")}
}

// HandleConnection serves /ws/render/:sessionId.
func (s *SessionStream) HandleConnection(c *websocket.Conn, sessionID string) {
	log := s.log.WithSession(sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.broker.Subscribe(ctx, sessionID)
	if err != nil {
		log.WithError(err).Error("progress subscribe failed")
		return
	}
	defer sub.Close()

	send := make(chan []byte, sendBuffer)
	go func() {
		defer close(send)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C():
				if !ok {
					return
				}
				data, err := json.Marshal(model.WSRenderMessage{Type: messageType(event.Phase), Progress: event})
				if err != nil {
					continue
				}
				select {
				case send <- data:
				case <-ctx.Done():
					return
				}
				if event.Phase.Terminal() {
					return
				}
			}
		}
	}()

	go func() {
		readPump(c, log, func([]byte) {})
		cancel()
	}()

	// writePump returns once the relay closes send after the terminal event,
	// or when the peer is gone.
	writePump(c, send)
	log.Debug("progress stream closed")
}

func messageType(p model.Phase) string {
	switch p {
	case model.PhaseDone:
		return model.WSMessageTypeComplete
	case model.PhaseError:
		return model.WSMessageTypeError
	default:
		return model.WSMessageTypeRender
	}
}
