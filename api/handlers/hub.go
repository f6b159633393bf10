package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/events"
)

// =============================================================================
// 📡 Telemetry WebSocket Hub
// =============================================================================

// HubConfig configures the dashboard broadcaster.
type HubConfig struct {
	// ClientBuffer is the per-connection outbound queue; a client that
	// falls this far behind is disconnected.
	ClientBuffer int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// OriginPatterns is passed to websocket.AcceptOptions.
	OriginPatterns []string
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ClientBuffer: 64,
		WriteTimeout: 5 * time.Second,
	}
}

// Hub fans telemetry events out to connected websocket clients. It is an
// events.Sink, so it can sit behind the event bus next to the other sinks.
type Hub struct {
	config HubConfig
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	send chan []byte
	// dropped is closed when the hub gives up on a slow client.
	dropped   chan struct{}
	closeOnce sync.Once
}

func (c *hubClient) drop() {
	c.closeOnce.Do(func() { close(c.dropped) })
}

// NewHub creates a Hub.
func NewHub(config HubConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = DefaultHubConfig().ClientBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultHubConfig().WriteTimeout
	}
	return &Hub{
		config:  config,
		logger:  logger.With(zap.String("component", "ws_hub")),
		clients: make(map[*hubClient]struct{}),
	}
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "ws_hub" }

// Deliver implements events.Sink. It never blocks on a client.
func (h *Hub) Deliver(_ context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			c.drop()
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		c.drop()
	}
}

// HandleWS upgrades the request and streams events until the client goes away.
// @Summary Telemetry stream
// @Tags events
// @Router /api/v1/events/ws [get]
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	client := &hubClient{
		send:    make(chan []byte, h.config.ClientBuffer),
		dropped: make(chan struct{}),
	}
	if !h.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(client)

	h.logger.Debug("telemetry client connected", zap.String("remote_addr", r.RemoteAddr))

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.dropped:
			conn.Close(websocket.StatusGoingAway, "disconnected by server")
			return
		case msg := <-client.send:
			wctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.logger.Debug("telemetry client write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}
