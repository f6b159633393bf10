package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// WebSocketSink pushes events as JSON text frames to a remote observer.
// The connection is dialed lazily and re-dialed after a write failure.
type WebSocketSink struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a sink for url (ws:// or wss://).
func NewWebSocketSink(url string, logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSink{
		url:    url,
		logger: logger.With(zap.String("component", "websocket_sink")),
	}
}

// Name implements Sink.
func (s *WebSocketSink) Name() string { return "websocket" }

// Deliver implements Sink.
func (s *WebSocketSink) Deliver(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", s.url, err)
		}
		s.conn = conn
		s.logger.Info("connected to telemetry observer", zap.String("url", s.url))
	}

	if err := wsjson.Write(ctx, s.conn, ev); err != nil {
		_ = s.conn.CloseNow()
		s.conn = nil
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the underlying connection, if any.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "shutdown")
	s.conn = nil
	return err
}
