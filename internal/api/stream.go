package api

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/events/bus"
)

// handleEventStreamWS streams bus events over a WebSocket. The subject filter
// defaults to every daemon event and accepts NATS-style wildcards.
func (s *Server) handleEventStreamWS(c *gin.Context) {
	subject := c.DefaultQuery("subject", events.AllSubjects())

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("event stream connected", zap.String("subject", subject))

	eventCh := make(chan *bus.Event, 64)
	sub, err := s.deps.Bus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
		select {
		case eventCh <- e:
		default:
			// Slow consumer: drop rather than stall the bus.
		}
		return nil
	})
	if err != nil {
		s.logger.Error("event stream subscribe failed", zap.Error(err))
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("event stream unsubscribe failed", zap.Error(err))
		}
	}()

	// Watch for the client hanging up.
	closeCh := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closeCh)
				return
			}
		}
	}()

	for {
		select {
		case e := <-eventCh:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("event stream write error", zap.Error(err))
				return
			}
		case <-closeCh:
			s.logger.Info("event stream closed by client")
			return
		}
	}
}
