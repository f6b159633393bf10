package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// StreamPublisher is the Redis surface RedisSink needs.
type StreamPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	AppendStream(ctx context.Context, stream string, maxLen int64, values map[string]any) error
}

// RedisSinkConfig selects where events go. Empty Channel or Stream disables
// that output.
type RedisSinkConfig struct {
	Channel      string `yaml:"channel" env:"CHANNEL"`
	Stream       string `yaml:"stream" env:"STREAM"`
	StreamMaxLen int64  `yaml:"stream_max_len" env:"STREAM_MAX_LEN"`
}

// RedisSink publishes events to a Redis channel for live subscribers and
// appends them to a capped stream for late readers.
type RedisSink struct {
	client StreamPublisher
	config RedisSinkConfig
}

// NewRedisSink creates a RedisSink.
func NewRedisSink(client StreamPublisher, config RedisSinkConfig) *RedisSink {
	return &RedisSink{client: client, config: config}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Deliver implements Sink.
func (s *RedisSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if s.config.Channel != "" {
		if err := s.client.Publish(ctx, s.config.Channel, payload); err != nil {
			return err
		}
	}
	if s.config.Stream != "" {
		values := map[string]any{
			"type":    string(ev.Type),
			"payload": string(payload),
		}
		if err := s.client.AppendStream(ctx, s.config.Stream, s.config.StreamMaxLen, values); err != nil {
			return err
		}
	}
	return nil
}
