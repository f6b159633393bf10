package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return New(zap.NewNop(), WithClock(clock.Now)), clock
}

func TestRegistry_EmptyHasNoLeader(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.Equal(t, "", r.Leader())
	assert.Equal(t, "", r.ElectLeader())
	st := r.ClusterStatus()
	assert.Equal(t, "", st.LeaderID)
	assert.Equal(t, 0, st.NodeCount)
	assert.Empty(t, st.NodeIDs)
}

func TestRegistry_FirstRegistrationElectsLeader(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Register("node-a", Metadata{Capabilities: []string{"gpu"}})
	assert.Equal(t, "node-a", r.Leader())

	n, ok := r.Get("node-a")
	require.True(t, ok)
	assert.True(t, n.Metadata.HasCapability("gpu"))
	assert.False(t, n.Metadata.HasCapability("cpu"))
}

func TestRegistry_LeaderByPriorityThenID(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Register("N1", Metadata{Priority: IntPtr(10)})
	r.Register("N2", Metadata{Priority: IntPtr(20)})
	assert.Equal(t, "N2", r.Leader())

	r.Unregister("N2")
	assert.Equal(t, "N1", r.Leader())

	r.Unregister("N1")
	assert.Equal(t, "", r.Leader())
}

func TestRegistry_TiesBrokenByGreaterID(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Register("alpha", Metadata{Priority: IntPtr(5)})
	r.Register("beta", Metadata{Priority: IntPtr(5)})
	r.Register("aardvark", Metadata{Priority: IntPtr(5)})
	assert.Equal(t, "beta", r.Leader())
}

func TestRegistry_AbsentPriorityRanksLowest(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Register("zzz", Metadata{})
	r.Register("aaa", Metadata{Priority: IntPtr(-100)})
	assert.Equal(t, "aaa", r.Leader())

	r.Register("yyy", Metadata{})
	r.Unregister("aaa")
	assert.Equal(t, "zzz", r.Leader())
}

func TestRegistry_UpdateHeartbeatUnknownIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.False(t, r.UpdateHeartbeat("ghost"))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Has("ghost"))
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("n1", Metadata{})

	assert.True(t, r.Unregister("n1"))
	assert.False(t, r.Unregister("n1"))
	assert.False(t, r.Unregister("never"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CheckTimeouts(t *testing.T) {
	r, clock := newTestRegistry(t)

	r.Register("N1", Metadata{Priority: IntPtr(10)})
	r.Register("N2", Metadata{Priority: IntPtr(20)})

	clock.Advance(20 * time.Second)
	require.True(t, r.UpdateHeartbeat("N1"))
	clock.Advance(15 * time.Second)

	removed := r.CheckTimeouts(clock.Now(), 30*time.Second)
	assert.Equal(t, []string{"N2"}, removed)
	assert.Equal(t, "N1", r.Leader())
	assert.True(t, r.Has("N1"))

	// Exactly at the timeout boundary a node is still alive.
	clock.Advance(15 * time.Second)
	assert.Empty(t, r.CheckTimeouts(clock.Now(), 30*time.Second))
}

func TestRegistry_ExpiredDoesNotMutate(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Register("b", Metadata{})
	r.Register("a", Metadata{})

	clock.Advance(time.Minute)
	assert.Equal(t, []string{"a", "b"}, r.Expired(clock.Now(), 30*time.Second))
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_UpdateLoadAndMetadata(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("n1", Metadata{Priority: IntPtr(1)})
	r.Register("n2", Metadata{Priority: IntPtr(2)})
	require.Equal(t, "n2", r.Leader())

	assert.True(t, r.UpdateLoad("n1", 0.75))
	n, _ := r.Get("n1")
	assert.InDelta(t, 0.75, n.Metadata.Load, 1e-9)

	assert.True(t, r.UpdateMetadata("n1", Metadata{Priority: IntPtr(9)}))
	assert.Equal(t, "n1", r.Leader())
	assert.False(t, r.UpdateMetadata("ghost", Metadata{}))
	assert.False(t, r.UpdateLoad("ghost", 1))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("n1", Metadata{Capabilities: []string{"gpu"}, Priority: IntPtr(3)})

	n, _ := r.Get("n1")
	n.Metadata.Capabilities[0] = "tampered"
	*n.Metadata.Priority = 100

	again, _ := r.Get("n1")
	assert.Equal(t, []string{"gpu"}, again.Metadata.Capabilities)
	assert.Equal(t, 3, *again.Metadata.Priority)
}

func TestRegistry_ClusterStatusSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, Metadata{})
	}

	st := r.ClusterStatus()
	assert.Equal(t, []string{"a", "b", "c"}, st.NodeIDs)
	assert.Equal(t, 3, st.NodeCount)
	assert.Equal(t, "c", st.LeaderID)

	nodes := r.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "a", nodes[0].ID)
}

func TestRegistry_EventsDeliveredAfterUnlock(t *testing.T) {
	r, clock := newTestRegistry(t)

	var got []Event
	r.Subscribe(func(ev Event) {
		// Re-entrant reads must not deadlock.
		_ = r.ClusterStatus()
		got = append(got, ev)
	})

	r.Register("n1", Metadata{})
	clock.Advance(time.Minute)
	r.CheckTimeouts(clock.Now(), time.Second)

	require.Len(t, got, 4)
	assert.Equal(t, EventNodeRegistered, got[0].Type)
	assert.Equal(t, EventLeaderChanged, got[1].Type)
	assert.Equal(t, "n1", got[1].Leader)
	assert.Equal(t, EventNodeRemoved, got[2].Type)
	assert.Equal(t, ReasonTimeout, got[2].Reason)
	assert.Equal(t, EventLeaderChanged, got[3].Type)
	assert.Equal(t, "n1", got[3].PreviousLeader)
	assert.Equal(t, "", got[3].Leader)
}

func TestRegistry_UnsubscribeAndPanickingHandler(t *testing.T) {
	r, _ := newTestRegistry(t)

	calls := 0
	id := r.Subscribe(func(Event) { calls++ })
	r.Subscribe(func(Event) { panic("boom") })

	assert.NotPanics(t, func() { r.Register("n1", Metadata{}) })
	assert.Equal(t, 2, calls)

	r.Unsubscribe(id)
	r.Unregister("n1")
	assert.Equal(t, 2, calls)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				r.Register(id, Metadata{Priority: IntPtr(j % 5)})
				r.UpdateHeartbeat(id)
				_ = r.ClusterStatus()
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, "", r.Leader())
}

func TestRegistry_EvictReportsTimeout(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("n1", Metadata{})

	var removed []Event
	r.Subscribe(func(ev Event) {
		if ev.Type == EventNodeRemoved {
			removed = append(removed, ev)
		}
	})

	assert.True(t, r.Evict("n1"))
	assert.False(t, r.Evict("n1"))
	require.Len(t, removed, 1)
	assert.Equal(t, ReasonTimeout, removed[0].Reason)
	assert.Equal(t, "", r.Leader())
}
