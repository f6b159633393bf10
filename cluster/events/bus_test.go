package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func taskEvent(id, status string) Event {
	return Event{Type: TypeTaskUpdate, Data: TaskUpdate{TaskID: id, Status: status}}
}

func TestBus_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink, BusConfig{QueueSize: 16}, nil, zap.NewNop())

	for _, st := range []string{"pending", "assigned", "completed"} {
		require.True(t, bus.Publish(taskEvent("task-1", st)))
	}
	require.NoError(t, bus.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "pending", got[0].Data.(TaskUpdate).Status)
	assert.Equal(t, "assigned", got[1].Data.(TaskUpdate).Status)
	assert.Equal(t, "completed", got[2].Data.(TaskUpdate).Status)

	st := bus.Stats()
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(3), st.Delivered)
	assert.Zero(t, st.Dropped)
}

func TestBus_DropsWhenFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	sink := SinkFunc(func(ctx context.Context, ev Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	bus := NewBus(sink, BusConfig{QueueSize: 1, DeliveryTimeout: time.Second}, nil, zap.NewNop())

	require.True(t, bus.Publish(taskEvent("t1", "pending")))
	<-started

	assert.True(t, bus.Publish(taskEvent("t2", "pending")))
	assert.False(t, bus.Publish(taskEvent("t3", "pending")))

	close(release)
	require.NoError(t, bus.Close(context.Background()))

	st := bus.Stats()
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(2), st.Delivered)
}

func TestBus_SinkFailureCounted(t *testing.T) {
	sink := &recordingSink{err: errors.New("observer offline")}
	bus := NewBus(sink, BusConfig{QueueSize: 4}, nil, zap.NewNop())

	assert.True(t, bus.Publish(taskEvent("t1", "pending")))
	require.NoError(t, bus.Close(context.Background()))

	st := bus.Stats()
	assert.Equal(t, uint64(1), st.Failed)
	assert.Zero(t, st.Delivered)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(nil, BusConfig{}, nil, nil)
	require.NoError(t, bus.Close(context.Background()))

	assert.False(t, bus.Publish(taskEvent("t1", "pending")))
	assert.Equal(t, uint64(1), bus.Stats().Dropped)
	assert.ErrorIs(t, bus.Close(context.Background()), ErrBusClosed)
}

func TestBus_CloseHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sink := SinkFunc(func(ctx context.Context, ev Event) error {
		<-release
		return nil
	})
	bus := NewBus(sink, BusConfig{QueueSize: 2}, nil, zap.NewNop())
	bus.Publish(taskEvent("t1", "pending"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Close(ctx), context.DeadlineExceeded)
}
