package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "telemetry"))}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	fields := []zap.Field{zap.String("type", string(ev.Type))}
	switch d := ev.Data.(type) {
	case TaskUpdate:
		fields = append(fields,
			zap.String("task_id", d.TaskID),
			zap.String("status", d.Status),
			zap.Int("retry_count", d.RetryCount),
		)
		if d.AssignedTo != nil {
			fields = append(fields, zap.String("assigned_to", *d.AssignedTo))
		}
		if d.Error != nil {
			fields = append(fields, zap.String("error", *d.Error))
		}
	case AgentRelocation:
		fields = append(fields,
			zap.String("agent_id", d.AgentID),
			zap.String("to_district", d.ToDistrict),
		)
	default:
		fields = append(fields, zap.Any("data", ev.Data))
	}
	s.logger.Debug("telemetry event", fields...)
	return nil
}

// MultiSink fans an event out to several sinks concurrently. A failing sink
// does not prevent delivery to the others; all failures are joined.
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMultiSink creates a MultiSink over sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Add appends a sink.
func (m *MultiSink) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

// Name implements Sink.
func (m *MultiSink) Name() string { return "multi" }

// Deliver implements Sink.
func (m *MultiSink) Deliver(ctx context.Context, ev Event) error {
	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()

	var (
		g      errgroup.Group
		errMu  sync.Mutex
		failed []error
	)
	for _, s := range sinks {
		g.Go(func() error {
			if err := s.Deliver(ctx, ev); err != nil {
				errMu.Lock()
				failed = append(failed, fmt.Errorf("%s: %w", s.Name(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failed...)
}
