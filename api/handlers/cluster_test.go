package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/cluster/registry"
)

func TestClusterHandler_NodeLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	var node registry.Node
	code, _ := f.do(http.MethodPost, "/api/v1/nodes",
		map[string]any{"node_id": "node-a", "capabilities": []string{"gpu"}, "priority": 5, "url": "http://a:8080"}, &node)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "node-a", node.ID)
	require.NotNil(t, node.Metadata.Priority)
	assert.Equal(t, 5, *node.Metadata.Priority)

	f.do(http.MethodPost, "/api/v1/nodes", map[string]any{"node_id": "node-b", "priority": 1}, nil)

	var status ClusterStatusResponse
	code, _ = f.do(http.MethodGet, "/api/v1/cluster", nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "node-a", status.Cluster.LeaderID)
	assert.Equal(t, 2, status.Cluster.NodeCount)
	assert.Equal(t, "coordinator", status.Coordinator.CoordinatorID)

	load := 0.75
	code, _ = f.do(http.MethodPost, "/api/v1/nodes/node-b/heartbeat", NodeHeartbeatRequest{Load: &load}, &node)
	require.Equal(t, http.StatusOK, code)
	assert.InDelta(t, 0.75, node.Metadata.Load, 1e-9)

	code, _ = f.do(http.MethodPost, "/api/v1/nodes/ghost/heartbeat", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(http.MethodDelete, "/api/v1/nodes/node-a", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "node-b", f.reg.Leader())

	code, _ = f.do(http.MethodDelete, "/api/v1/nodes/node-a", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestClusterHandler_RegisterValidation(t *testing.T) {
	f := newAPIFixture(t)

	code, _ := f.do(http.MethodPost, "/api/v1/nodes", map[string]any{"node_id": " "}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(http.MethodPost, "/api/v1/nodes", map[string]any{"node_id": "n", "load": -1}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestClusterHandler_OrphansAndMigrate(t *testing.T) {
	f := newAPIFixture(t)
	f.reg.Register("node-a", registry.Metadata{})
	f.reg.Register("node-b", registry.Metadata{})

	t1 := f.submit("render", nil)
	t2 := f.submit("render", nil)
	require.NoError(t, f.coord.AssignToNode(t1, "node-a"))
	require.NoError(t, f.coord.AssignToNode(t2, "node-b"))

	var orphans OrphansResponse
	f.do(http.MethodGet, "/api/v1/cluster/orphans", nil, &orphans)
	assert.Empty(t, orphans.Orphans)

	// Removing the node directly leaves the placement behind.
	f.reg.Unregister("node-a")

	f.do(http.MethodGet, "/api/v1/cluster/orphans", nil, &orphans)
	assert.Equal(t, []string{t1}, orphans.Orphans)

	var migrated MigrateResponse
	code, _ := f.do(http.MethodPost, "/api/v1/cluster/migrate", nil, &migrated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, migrated.Migrated)

	task, _ := f.coord.Task(t1)
	assert.Equal(t, coordinator.StatusPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)

	f.do(http.MethodPost, "/api/v1/cluster/migrate", nil, &migrated)
	assert.Equal(t, 0, migrated.Migrated)
}
