package registry

import (
	"slices"
	"time"
)

// Metadata is the typed descriptor a node advertises when it joins.
// Absent capabilities mean the node offers none; absent load reads as 0;
// a nil Priority ranks below every explicit priority.
type Metadata struct {
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
	Load         float64  `json:"load" yaml:"load"`
	URL          string   `json:"url,omitempty" yaml:"url"`
	Priority     *int     `json:"priority,omitempty" yaml:"priority"`
}

// HasCapability reports whether the node advertises capability.
func (m Metadata) HasCapability(capability string) bool {
	return slices.Contains(m.Capabilities, capability)
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Capabilities != nil {
		out.Capabilities = slices.Clone(m.Capabilities)
	}
	if m.Priority != nil {
		p := *m.Priority
		out.Priority = &p
	}
	return out
}

// IntPtr is a convenience for building Metadata.Priority literals.
func IntPtr(v int) *int { return &v }

// Node is a cluster member as seen by the local registry.
type Node struct {
	ID            string    `json:"node_id"`
	Metadata      Metadata  `json:"metadata"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (n *Node) clone() Node {
	out := *n
	out.Metadata = n.Metadata.clone()
	return out
}

// Status is a point-in-time summary of cluster membership.
type Status struct {
	LeaderID  string   `json:"leader_id"`
	NodeCount int      `json:"node_count"`
	NodeIDs   []string `json:"node_ids"`
}

// EventType identifies a membership event.
type EventType string

const (
	EventNodeRegistered EventType = "node_registered"
	EventNodeRemoved    EventType = "node_removed"
	EventLeaderChanged  EventType = "leader_changed"
)

// RemovalReason explains why a node left the registry.
type RemovalReason string

const (
	ReasonUnregistered RemovalReason = "unregistered"
	ReasonTimeout      RemovalReason = "timeout"
)

// Event describes a membership change. Leader fields are set only for
// EventLeaderChanged; Reason only for EventNodeRemoved.
type Event struct {
	Type           EventType     `json:"type"`
	NodeID         string        `json:"node_id,omitempty"`
	Reason         RemovalReason `json:"reason,omitempty"`
	PreviousLeader string        `json:"previous_leader,omitempty"`
	Leader         string        `json:"leader,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// EventHandler receives membership events.
type EventHandler func(Event)

// outranks reports whether a should lead over b: higher priority first,
// then the lexicographically greater id.
func outranks(a, b *Node) bool {
	ap, bp := a.Metadata.Priority, b.Metadata.Priority
	switch {
	case ap != nil && bp == nil:
		return true
	case ap == nil && bp != nil:
		return false
	case ap != nil && bp != nil && *ap != *bp:
		return *ap > *bp
	}
	return a.ID > b.ID
}
