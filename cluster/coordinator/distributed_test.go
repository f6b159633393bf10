package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/registry"
)

func newTestDistributed() (*Distributed, *registry.Registry, *capturePublisher) {
	c, pub, _ := newTestCoordinator()
	reg := registry.New(zap.NewNop())
	return NewDistributed(c, reg), reg, pub
}

func TestDistributed_SelectLowestLoadCapableNode(t *testing.T) {
	d, reg, _ := newTestDistributed()

	reg.Register("N1", registry.Metadata{Capabilities: []string{"storage"}})
	reg.Register("N2", registry.Metadata{Capabilities: []string{"compute"}, Load: 5})
	reg.Register("N3", registry.Metadata{Capabilities: []string{"compute"}, Load: 2})

	id := d.SubmitWithCapability("train", nil, 0, "compute")
	node, err := d.SelectTargetNode(id)
	require.NoError(t, err)
	assert.Equal(t, "N3", node)

	got, ok := d.NodeFor(id)
	require.True(t, ok)
	assert.Equal(t, "N3", got)
}

func TestDistributed_SelectTieBreaksByID(t *testing.T) {
	d, reg, _ := newTestDistributed()

	reg.Register("b", registry.Metadata{Load: 1})
	reg.Register("a", registry.Metadata{Load: 1})
	reg.Register("c", registry.Metadata{Load: 3})

	id := d.Submit("any", nil, 0)
	node, err := d.SelectTargetNode(id)
	require.NoError(t, err)
	assert.Equal(t, "a", node)
}

func TestDistributed_SelectSoftFailures(t *testing.T) {
	d, reg, _ := newTestDistributed()

	_, err := d.SelectTargetNode("ghost")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	id := d.SubmitWithCapability("train", nil, 0, "gpu")
	_, err = d.SelectTargetNode(id)
	assert.ErrorIs(t, err, ErrNoNodes)

	reg.Register("N1", registry.Metadata{Capabilities: []string{"cpu"}})
	_, err = d.SelectTargetNode(id)
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	task, _ := d.Task(id)
	assert.Equal(t, StatusPending, task.Status)
	assert.Empty(t, d.NodeAssignments())

	reg.Register("N2", registry.Metadata{Capabilities: []string{"gpu"}})
	node, err := d.SelectTargetNode(id)
	require.NoError(t, err)
	assert.Equal(t, "N2", node)
}

func TestDistributed_AssignToNodeAndRequeueFromNode(t *testing.T) {
	d, _, _ := newTestDistributed()

	id := d.Submit("scan", nil, 0)
	require.NoError(t, d.AssignToNode(id, "N1"))

	task, _ := d.Task(id)
	assert.Equal(t, StatusAssigned, task.Status)
	assert.Equal(t, "N1", task.AssignedTo)
	assert.Equal(t, map[string]string{id: "N1"}, d.NodeAssignments())

	assert.False(t, d.RequeueFromNode(id, "N2", "node_lost"))
	assert.True(t, d.RequeueFromNode(id, "N1", "node_lost"))
	assert.False(t, d.RequeueFromNode(id, "N1", "node_lost"))

	task, _ = d.Task(id)
	assert.Equal(t, StatusPending, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Empty(t, d.NodeAssignments())
}

func TestDistributed_TerminalClearsPlacement(t *testing.T) {
	d, _, _ := newTestDistributed()

	ok := d.Submit("scan", nil, 0)
	bad := d.SubmitTask(SubmitRequest{Type: "scan", MaxRetries: new(int)})
	require.NoError(t, d.AssignToNode(ok, "N1"))
	require.NoError(t, d.AssignToNode(bad, "N1"))

	require.NoError(t, d.Complete(ok, "N1", nil, true))
	require.NoError(t, d.Fail(bad, "N1", "crash"))

	assert.Empty(t, d.NodeAssignments())
	assert.Empty(t, d.AgentTasks("N1"))
}

func TestDistributed_ReleaseNode(t *testing.T) {
	d, reg, _ := newTestDistributed()
	reg.Register("N1", registry.Metadata{})

	id := d.Submit("scan", nil, 0)
	_, err := d.SelectTargetNode(id)
	require.NoError(t, err)

	d.ReleaseNode(id)
	_, ok := d.NodeFor(id)
	assert.False(t, ok)
	assert.Same(t, reg, d.Registry())
}

func TestDistributed_SyncTrackedTask(t *testing.T) {
	d, _, pub := newTestDistributed()

	id := d.Submit("scan", nil, 0)
	require.NoError(t, d.AssignToNode(id, "N1"))

	require.NoError(t, d.SyncTaskState(TaskState{TaskID: id, Status: "completed", Result: map[string]any{"ok": true}}))

	task, found := d.Task(id)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, true, task.Result["ok"])
	assert.Empty(t, d.ActiveTasks())
	assert.Len(t, d.History(), 1)
	assert.Empty(t, d.NodeAssignments())

	updates := pub.taskUpdates(id)
	assert.Equal(t, "completed", updates[len(updates)-1].Status)

	err := d.SyncTaskState(TaskState{TaskID: id, Status: "pending"})
	assert.ErrorIs(t, err, ErrTaskTerminal)
}

func TestDistributed_SyncMaterializesUnknownTask(t *testing.T) {
	d, _, _ := newTestDistributed()

	require.NoError(t, d.SyncTaskState(TaskState{TaskID: "remote-1", Type: "scan", Status: "assigned", AssignedTo: "A9"}))
	task, ok := d.Task("remote-1")
	require.True(t, ok)
	assert.Equal(t, StatusAssigned, task.Status)
	assert.Equal(t, "A9", task.AssignedTo)
	assert.Equal(t, []string{"remote-1"}, d.AgentTasks("A9"))
	assert.Empty(t, d.PendingTasks())

	require.NoError(t, d.SyncTaskState(TaskState{TaskID: "remote-2", Type: "scan", Status: "pending"}))
	assert.Len(t, d.PendingTasks(), 1)

	require.NoError(t, d.SyncTaskState(TaskState{TaskID: "remote-3", Type: "scan", Status: "failed", Error: "oom"}))
	task, ok = d.Task("remote-3")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "oom", task.Error)
	assert.Len(t, d.History(), 1)
}

func TestDistributed_SyncPendingResetsHolder(t *testing.T) {
	d, _, _ := newTestDistributed()

	id := d.Submit("scan", nil, 0)
	require.NoError(t, d.AssignToNode(id, "N1"))
	require.NoError(t, d.SyncTaskState(TaskState{TaskID: id, Status: "pending"}))

	task, _ := d.Task(id)
	assert.Equal(t, StatusPending, task.Status)
	assert.Empty(t, task.AssignedTo)
	assert.Len(t, d.PendingTasks(), 1)
	assert.Empty(t, d.NodeAssignments())
}

func TestDistributed_SyncRejectsBadInput(t *testing.T) {
	d, _, _ := newTestDistributed()

	assert.ErrorIs(t, d.SyncTaskState(TaskState{TaskID: "x", Status: "exploded"}), ErrInvalidStatus)
	assert.ErrorIs(t, d.SyncTaskState(TaskState{Status: "pending"}), ErrTaskNotFound)
}

func TestDistributed_SyncAssignedNeedsHolder(t *testing.T) {
	d, _, _ := newTestDistributed()

	err := d.SyncTaskState(TaskState{TaskID: "remote-1", Status: "assigned"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, ok := d.Task("remote-1")
	assert.False(t, ok)
}
