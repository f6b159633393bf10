// Package health evicts cluster nodes whose heartbeats have gone stale.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/registry"
	"github.com/tdw419/geometry-os-sub000/internal/metrics"
)

// ErrAlreadyRunning is returned by Start on a running monitor.
var ErrAlreadyRunning = errors.New("health monitor already running")

// Config configures a Monitor.
type Config struct {
	// Interval between polls.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// FailureThreshold is the heartbeat age after which a node is evicted.
	FailureThreshold time.Duration `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// AgentTimeout, when positive, also expires agents with stale heartbeats.
	AgentTimeout time.Duration `yaml:"agent_timeout" env:"AGENT_TIMEOUT"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Second,
		FailureThreshold: 15 * time.Second,
	}
}

// AgentExpirer expires agents that stopped heartbeating.
type AgentExpirer interface {
	ExpireAgents(now time.Time, timeout time.Duration) []string
}

// EvictionHandler is called once per evicted node, after the registry has
// dropped it.
type EvictionHandler func(ctx context.Context, nodeID string)

// Option configures a Monitor.
type Option func(*Monitor)

// WithAgentExpirer lets the monitor expire stale agents on each tick.
func WithAgentExpirer(e AgentExpirer) Option {
	return func(m *Monitor) { m.agents = e }
}

// WithMetrics records evictions on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = collector }
}

// WithClock overrides the time source used to age heartbeats.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// OnEvict registers an eviction handler.
func OnEvict(h EvictionHandler) Option {
	return func(m *Monitor) { m.handlers = append(m.handlers, h) }
}

// Monitor periodically polls the registry and evicts stale nodes through
// the registry's own removal path.
type Monitor struct {
	config   Config
	registry *registry.Registry
	agents   AgentExpirer
	handlers []EvictionHandler
	metrics  *metrics.Collector
	tracer   trace.Tracer
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a monitor for reg.
func New(config Config, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}

	m := &Monitor{
		config:   config,
		registry: reg,
		tracer:   otel.Tracer("swarm/health"),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "health_monitor")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the poll loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.run(loopCtx)

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("failure_threshold", m.config.FailureThreshold),
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight tick to finish. No
// eviction happens after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Cancellation may race the tick; never evict after it.
			if ctx.Err() != nil {
				return
			}
			m.Tick(ctx)
		}
	}
}

// Tick runs one poll and returns the evicted node ids.
func (m *Monitor) Tick(ctx context.Context) []string {
	ctx, span := m.tracer.Start(ctx, "health.tick")
	defer span.End()

	now := m.now()
	var evicted []string
	for _, id := range m.registry.Expired(now, m.config.FailureThreshold) {
		// A heartbeat may have landed since Expired was computed.
		if n, ok := m.registry.Get(id); !ok || now.Sub(n.LastHeartbeat) <= m.config.FailureThreshold {
			continue
		}
		if !m.registry.Evict(id) {
			continue
		}
		evicted = append(evicted, id)
		m.metrics.RecordNodeEviction(string(registry.ReasonTimeout))
		m.logger.Warn("node evicted",
			zap.String("node_id", id),
			zap.Duration("failure_threshold", m.config.FailureThreshold),
		)
		for _, h := range m.handlers {
			h(ctx, id)
		}
	}
	m.metrics.SetClusterNodes(m.registry.Len())

	var expired []string
	if m.agents != nil && m.config.AgentTimeout > 0 {
		expired = m.agents.ExpireAgents(now, m.config.AgentTimeout)
		for _, id := range expired {
			m.logger.Warn("agent expired", zap.String("agent_id", id))
		}
	}

	span.SetAttributes(
		attribute.Int("health.evicted_nodes", len(evicted)),
		attribute.Int("health.expired_agents", len(expired)),
	)
	return evicted
}
