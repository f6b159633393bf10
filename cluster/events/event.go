package events

import (
	"context"
	"time"
)

// Type names a telemetry event.
type Type string

const (
	TypeTaskUpdate      Type = "task_update"
	TypeAgentRelocation Type = "agent_relocation"
)

// Event is the JSON envelope sent to observers: {"type": ..., "data": ...}.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// TaskUpdate is emitted on every task status transition. Times are unix
// seconds; nullable fields encode as JSON null.
type TaskUpdate struct {
	TaskID         string         `json:"task_id"`
	TaskType       string         `json:"task_type"`
	Status         string         `json:"status"`
	PreviousStatus *string        `json:"previous_status"`
	AssignedTo     *string        `json:"assigned_to"`
	Timestamp      float64        `json:"timestamp"`
	Duration       *float64       `json:"duration"`
	Result         map[string]any `json:"result"`
	Error          *string        `json:"error"`
	RetryCount     int            `json:"retry_count"`
}

// AgentRelocation is emitted when an agent moves between districts.
type AgentRelocation struct {
	AgentID      string  `json:"agent_id"`
	FromDistrict *string `json:"from_district"`
	ToDistrict   string  `json:"to_district"`
	Timestamp    float64 `json:"timestamp"`
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event) bool
}

// Sink delivers events to an external observer.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) bool { return true }

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Name implements Sink.
func (SinkFunc) Name() string { return "func" }

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// OptionalString returns nil for the empty string, for nullable JSON fields.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
