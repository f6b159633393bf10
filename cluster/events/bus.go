package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tdw419/geometry-os-sub000/internal/metrics"
	"go.uber.org/zap"
)

// ErrBusClosed is returned by Close when called twice.
var ErrBusClosed = errors.New("event bus closed")

// BusConfig configures a Bus.
type BusConfig struct {
	// QueueSize bounds the number of undelivered events.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// DeliveryTimeout bounds a single sink delivery.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
}

// DefaultBusConfig returns sane defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		QueueSize:       1024,
		DeliveryTimeout: 5 * time.Second,
	}
}

// Stats counts bus activity since creation.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Bus decouples event producers from a slow or unavailable sink. Publish
// never blocks: when the queue is full the event is dropped, counted and
// logged. A single consumer delivers events in publish order.
type Bus struct {
	sink    Sink
	config  BusConfig
	queue   chan Event
	metrics *metrics.Collector
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewBus creates a bus and starts its consumer.
func NewBus(sink Sink, config BusConfig, collector *metrics.Collector, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultBusConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = def.DeliveryTimeout
	}

	b := &Bus{
		sink:    sink,
		config:  config,
		queue:   make(chan Event, config.QueueSize),
		metrics: collector,
		logger:  logger.With(zap.String("component", "event_bus")),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues ev. It reports false when the event was dropped.
func (b *Bus) Publish(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.drop(ev, "bus closed")
		return false
	}

	select {
	case b.queue <- ev:
		b.published.Add(1)
		b.metrics.RecordEventPublished(string(ev.Type))
		return true
	default:
		b.drop(ev, "queue full")
		return false
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// or for ctx to expire.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.done:
		b.logger.Info("event bus drained", zap.Uint64("delivered", b.delivered.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.queue {
		b.deliver(ev)
	}
}

func (b *Bus) deliver(ev Event) {
	if b.sink == nil {
		b.delivered.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.DeliveryTimeout)
	defer cancel()

	if err := b.sink.Deliver(ctx, ev); err != nil {
		b.failed.Add(1)
		b.metrics.RecordEventSinkFailure(b.sink.Name())
		b.logger.Warn("event delivery failed",
			zap.String("sink", b.sink.Name()),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return
	}
	b.delivered.Add(1)
}

func (b *Bus) drop(ev Event, reason string) {
	b.dropped.Add(1)
	b.metrics.RecordEventDropped(string(ev.Type))
	b.logger.Warn("event dropped",
		zap.String("type", string(ev.Type)),
		zap.String("reason", reason),
	)
}
