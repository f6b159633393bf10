package coordinator

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/events"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(ev events.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *capturePublisher) taskUpdates(taskID string) []events.TaskUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.TaskUpdate
	for _, ev := range p.events {
		if u, ok := ev.Data.(events.TaskUpdate); ok && u.TaskID == taskID {
			out = append(out, u)
		}
	}
	return out
}

func (p *capturePublisher) ofType(typ events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("task-%08d", n)
	}
}

func newTestCoordinator(opts ...Option) (*Coordinator, *capturePublisher, *stepClock) {
	pub := &capturePublisher{}
	clock := newStepClock()
	base := []Option{WithPublisher(pub), WithClock(clock.Now), WithIDGenerator(sequentialIDs())}
	return New(DefaultConfig(), zap.NewNop(), append(base, opts...)...), pub, clock
}
