package coordinator

import (
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/registry"
)

// Distributed extends a Coordinator with capability-aware node placement,
// peer task-state sync and the task-to-node map. The map shares the
// coordinator's lock; every entry references a non-terminal task.
type Distributed struct {
	*Coordinator
	registry *registry.Registry
}

// NewDistributed wraps c with placement over reg.
func NewDistributed(c *Coordinator, reg *registry.Registry) *Distributed {
	return &Distributed{Coordinator: c, registry: reg}
}

// Registry returns the node registry used for placement.
func (d *Distributed) Registry() *registry.Registry {
	return d.registry
}

// SubmitWithCapability enqueues a task that may only be placed on nodes
// advertising capability.
func (d *Distributed) SubmitWithCapability(taskType string, params map[string]any, priority int, capability string) string {
	return d.SubmitTask(SubmitRequest{
		Type:               taskType,
		Params:             params,
		Priority:           priority,
		RequiredCapability: capability,
	})
}

// SelectTargetNode picks the least-loaded live node able to run the task,
// breaking ties by ascending node id, and records the choice.
func (d *Distributed) SelectTargetNode(taskID string) (string, error) {
	d.mu.Lock()
	t, err := d.activeLocked(taskID)
	if err != nil {
		d.mu.Unlock()
		return "", err
	}
	capability := t.RequiredCapability
	d.mu.Unlock()

	nodes := d.registry.Nodes()
	if len(nodes) == 0 {
		d.metrics.RecordPlacement("no_nodes")
		return "", ErrNoNodes
	}

	var best *registry.Node
	for i := range nodes {
		n := &nodes[i]
		if capability != "" && !n.Metadata.HasCapability(capability) {
			continue
		}
		// nodes are sorted by id, so strict comparison keeps the lowest id on ties.
		if best == nil || n.Metadata.Load < best.Metadata.Load {
			best = n
		}
	}
	if best == nil {
		d.metrics.RecordPlacement("capability_unavailable")
		return "", fmt.Errorf("%w: %s", ErrCapabilityUnavailable, capability)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// The task may have finished while the registry was consulted.
	if _, err := d.activeLocked(taskID); err != nil {
		return "", err
	}
	d.placements[taskID] = best.ID

	d.logger.Debug("node selected",
		zap.String("task_id", taskID),
		zap.String("node_id", best.ID),
		zap.Float64("load", best.Metadata.Load),
	)
	d.metrics.RecordPlacement("selected")
	return best.ID, nil
}

// AssignToNode records nodeID as the task's carrier and assigns the task
// with the node standing in as holder until the remote executor reports.
func (d *Distributed) AssignToNode(taskID, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.activeLocked(taskID)
	if err != nil {
		return err
	}
	d.placements[taskID] = nodeID
	d.assignLocked(t, nodeID)
	return nil
}

// NodeFor returns the node a task is placed on.
func (d *Distributed) NodeFor(taskID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.placements[taskID]
	return n, ok
}

// NodeAssignments returns a copy of the task-to-node map.
func (d *Distributed) NodeAssignments() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.placements)
}

// ReleaseNode drops a task's placement without touching its status.
func (d *Distributed) ReleaseNode(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.placements, taskID)
}

// RequeueFromNode requeues a task only if it is still placed on nodeID.
// It reports whether the task was moved.
func (d *Distributed) RequeueFromNode(taskID, nodeID, reason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.placements[taskID] != nodeID {
		return false
	}
	t, ok := d.tasks[taskID]
	if !ok {
		delete(d.placements, taskID)
		return false
	}
	d.requeueLocked(t, reason)
	return true
}

// SyncTaskState applies a peer's view of a task. A tracked task is
// overwritten in place; an unknown id is materialised. Tasks already in
// history are left untouched and ErrTaskTerminal is returned.
func (d *Distributed) SyncTaskState(state TaskState) error {
	status, err := ParseTaskStatus(state.Status)
	if err != nil {
		return err
	}
	if state.TaskID == "" {
		return fmt.Errorf("%w: empty task id", ErrTaskNotFound)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.historyIdx[state.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskTerminal, state.TaskID)
	}

	t, tracked := d.tasks[state.TaskID]
	if status == StatusAssigned && state.AssignedTo == "" && (!tracked || t.AssignedTo == "") {
		return fmt.Errorf("%w: assigned status requires assigned_to", ErrInvalidStatus)
	}

	var prev TaskStatus
	if tracked {
		prev = t.Status
	} else {
		t = &Task{
			ID:         state.TaskID,
			Type:       state.Type,
			Params:     map[string]any{},
			CreatedAt:  d.now(),
			MaxRetries: d.config.DefaultMaxRetries,
		}
		d.tasks[t.ID] = t
	}

	if state.Type != "" {
		t.Type = state.Type
	}
	t.Status = status
	t.Result = maps.Clone(state.Result)
	t.Error = state.Error

	d.logger.Debug("task state synced",
		zap.String("task_id", t.ID),
		zap.String("status", string(status)),
		zap.Bool("tracked", tracked),
	)

	switch status {
	case StatusCompleted, StatusFailed:
		d.releaseAgentLocked(t.AssignedTo, t.ID)
		if state.AssignedTo != "" {
			t.AssignedTo = state.AssignedTo
		}
		now := d.now()
		t.CompletedAt = &now
		d.finishLocked(t, prev)
		return nil
	case StatusPending:
		d.releaseAgentLocked(t.AssignedTo, t.ID)
		t.AssignedTo = ""
		t.StartedAt = nil
		delete(d.placements, t.ID)
		d.enqueueLocked(t.ID)
	case StatusAssigned:
		d.removePendingLocked(t.ID)
		if state.AssignedTo != "" && state.AssignedTo != t.AssignedTo {
			d.releaseAgentLocked(t.AssignedTo, t.ID)
			t.AssignedTo = state.AssignedTo
			held, ok := d.agentTasks[t.AssignedTo]
			if !ok {
				held = make(map[string]struct{})
				d.agentTasks[t.AssignedTo] = held
			}
			held[t.ID] = struct{}{}
		}
		if t.StartedAt == nil {
			now := d.now()
			t.StartedAt = &now
		}
	}

	if prev != "" {
		d.metrics.RecordTaskTransition(string(prev), string(t.Status))
	}
	d.emitTaskLocked(t, prev)
	return nil
}
