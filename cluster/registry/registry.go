package registry

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry tracks cluster membership, per-node metadata, heartbeat liveness
// and the leader hint. The leader is the highest-ranked member by
// (priority, id); it is a placement hint, not a consensus result.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	leader string

	handlerMu sync.RWMutex
	handlers  map[string]EventHandler
	nextSub   uint64

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used to stamp registrations and
// heartbeats.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		nodes:    make(map[string]*Node),
		handlers: make(map[string]EventHandler),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "node_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or overwrites a node with a fresh heartbeat and
// re-evaluates the leader.
func (r *Registry) Register(nodeID string, md Metadata) {
	now := r.now()

	r.mu.Lock()
	r.nodes[nodeID] = &Node{
		ID:            nodeID,
		Metadata:      md.clone(),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	events := []Event{{Type: EventNodeRegistered, NodeID: nodeID, Timestamp: now}}
	if ev, changed := r.electLocked(now); changed {
		events = append(events, ev)
	}
	count := len(r.nodes)
	r.mu.Unlock()

	r.logger.Info("node registered",
		zap.String("node_id", nodeID),
		zap.Strings("capabilities", md.Capabilities),
		zap.Float64("load", md.Load),
		zap.Int("node_count", count),
	)
	r.emit(events...)
}

// UpdateHeartbeat refreshes a node's last-seen time. Unknown ids are
// ignored and reported as false.
func (r *Registry) UpdateHeartbeat(nodeID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	n.LastHeartbeat = now
	return true
}

// UpdateLoad records a node's latest load report and counts as a heartbeat.
func (r *Registry) UpdateLoad(nodeID string, load float64) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	n.Metadata.Load = load
	n.LastHeartbeat = now
	return true
}

// UpdateMetadata replaces a node's metadata in place, keeping its
// registration time. A priority change may move the leader.
func (r *Registry) UpdateMetadata(nodeID string, md Metadata) bool {
	now := r.now()

	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	n.Metadata = md.clone()
	n.LastHeartbeat = now
	ev, changed := r.electLocked(now)
	r.mu.Unlock()

	if changed {
		r.emit(ev)
	}
	return true
}

// Unregister removes a node. Removing the leader triggers re-election.
// Unknown ids are a no-op.
func (r *Registry) Unregister(nodeID string) bool {
	now := r.now()

	r.mu.Lock()
	events, ok := r.removeLocked(nodeID, ReasonUnregistered, now)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Info("node unregistered", zap.String("node_id", nodeID))
	r.emit(events...)
	return true
}

// Evict removes a node that stopped heartbeating. It follows the same path
// as Unregister but reports ReasonTimeout to subscribers.
func (r *Registry) Evict(nodeID string) bool {
	now := r.now()

	r.mu.Lock()
	events, ok := r.removeLocked(nodeID, ReasonTimeout, now)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Warn("node evicted", zap.String("node_id", nodeID))
	r.emit(events...)
	return true
}

// CheckTimeouts removes every node whose heartbeat is older than timeout
// relative to now and returns the removed ids in ascending order.
func (r *Registry) CheckTimeouts(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	var (
		removed []string
		events  []Event
	)
	for _, id := range r.staleLocked(now, timeout) {
		evs, ok := r.removeLocked(id, ReasonTimeout, now)
		if !ok {
			continue
		}
		removed = append(removed, id)
		events = append(events, evs...)
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.logger.Warn("node timed out", zap.String("node_id", id), zap.Duration("timeout", timeout))
	}
	r.emit(events...)
	return removed
}

// Expired lists nodes whose heartbeat age exceeds threshold without
// mutating the registry.
func (r *Registry) Expired(now time.Time, threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staleLocked(now, threshold)
}

// ElectLeader recomputes the leader from current membership and returns it.
// An empty registry has no leader.
func (r *Registry) ElectLeader() string {
	now := r.now()

	r.mu.Lock()
	ev, changed := r.electLocked(now)
	leader := r.leader
	r.mu.Unlock()

	if changed {
		r.emit(ev)
	}
	return leader
}

// Leader returns the current leader id, or "" when the registry is empty.
func (r *Registry) Leader() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader
}

// ClusterStatus returns leader, member count and sorted member ids.
func (r *Registry) ClusterStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Status{
		LeaderID:  r.leader,
		NodeCount: len(r.nodes),
		NodeIDs:   r.sortedIDsLocked(),
	}
}

// Get returns a copy of the node record.
func (r *Registry) Get(nodeID string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Has reports whether nodeID is a current member.
func (r *Registry) Has(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

// Nodes returns copies of all members ordered by id.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, id := range r.sortedIDsLocked() {
		out = append(out, r.nodes[id].clone())
	}
	return out
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Subscribe registers a membership event handler and returns its id.
// Handlers run synchronously on the mutating goroutine after the registry
// lock has been released, so they may call back into the registry.
func (r *Registry) Subscribe(handler EventHandler) string {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	r.nextSub++
	id := fmt.Sprintf("sub-%d", r.nextSub)
	r.handlers[id] = handler
	return id
}

// Unsubscribe removes a handler.
func (r *Registry) Unsubscribe(subscriptionID string) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	delete(r.handlers, subscriptionID)
}

func (r *Registry) removeLocked(nodeID string, reason RemovalReason, now time.Time) ([]Event, bool) {
	if _, ok := r.nodes[nodeID]; !ok {
		return nil, false
	}
	delete(r.nodes, nodeID)

	events := []Event{{Type: EventNodeRemoved, NodeID: nodeID, Reason: reason, Timestamp: now}}
	if r.leader == nodeID {
		if ev, changed := r.electLocked(now); changed {
			events = append(events, ev)
		}
	}
	return events, true
}

func (r *Registry) electLocked(now time.Time) (Event, bool) {
	var best *Node
	for _, n := range r.nodes {
		if best == nil || outranks(n, best) {
			best = n
		}
	}

	prev := r.leader
	r.leader = ""
	if best != nil {
		r.leader = best.ID
	}
	if prev == r.leader {
		return Event{}, false
	}

	r.logger.Info("leader elected",
		zap.String("previous_leader", prev),
		zap.String("leader", r.leader),
	)
	return Event{
		Type:           EventLeaderChanged,
		PreviousLeader: prev,
		Leader:         r.leader,
		Timestamp:      now,
	}, true
}

func (r *Registry) staleLocked(now time.Time, threshold time.Duration) []string {
	var ids []string
	for id, n := range r.nodes {
		if now.Sub(n.LastHeartbeat) > threshold {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) emit(events ...Event) {
	if len(events) == 0 {
		return
	}

	r.handlerMu.RLock()
	handlers := make([]EventHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.handlerMu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			r.dispatch(h, ev)
		}
	}
}

func (r *Registry) dispatch(h EventHandler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("membership handler panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", rec),
			)
		}
	}()
	h(ev)
}
