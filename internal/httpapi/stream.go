package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongWait     = 120 * time.Second
	streamPingInterval = 30 * time.Second
)

// handleTaskStream pushes task events over a websocket. task_id narrows the
// stream to one task; without it every task's events are sent. Client frames
// are read only to keep the pong deadline fresh.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if taskID != "" {
		if _, err := s.controller.Get(taskID); err != nil {
			respondDomainError(w, err)
			return
		}
	}

	// Subscribe before the handshake so no event after it is missed.
	events, unsubscribe := s.controller.Subscribe(taskID)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(evt); err != nil {
					s.logger.Debug("task stream write failed", zap.Error(err))
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
}
