package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tdw419/geometry-os-sub000/api/handlers"
	"github.com/tdw419/geometry-os-sub000/cluster/registry"
	"github.com/tdw419/geometry-os-sub000/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Dispatch.Enabled = false
	cfg.Events.LogEnabled = false
	cfg.Server.MetricsPort = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	s, err := NewServer(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.bus.Close(ctx)
		s.hub.Close()
		s.cancel()
		_ = s.closeExternal()
	})
	return s
}

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *handlers.ErrorInfo `json:"error"`
}

func call(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func TestServer_PlacesTaskOnRegisteredNode(t *testing.T) {
	s := newTestServer(t, testConfig())
	h := s.Handler()

	w, _ := call(t, h, http.MethodPost, "/api/v1/nodes", map[string]any{
		"node_id":      "node-a",
		"capabilities": []string{"gpu"},
		"priority":     5,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, env := call(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type":           "render",
		"required_capability": "gpu",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var submitted handlers.SubmitTaskResponse
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	assert.Regexp(t, `^task-[0-9a-f]{8}$`, submitted.TaskID)

	w, env = call(t, h, http.MethodPost, "/api/v1/tasks/"+submitted.TaskID+"/place", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var placed handlers.PlaceResponse
	require.NoError(t, json.Unmarshal(env.Data, &placed))
	assert.Equal(t, "node-a", placed.NodeID)

	assert.Equal(t, "node-a", s.registry.Leader())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_RegisterSelfBecomesLeader(t *testing.T) {
	cfg := testConfig()
	cfg.Cluster.RegisterSelf = true
	cfg.Cluster.NodeID = "self"
	cfg.Cluster.Priority = 3
	cfg.Cluster.Capabilities = []string{"cpu"}

	s := newTestServer(t, cfg)
	assert.Equal(t, "self", s.registry.Leader())

	w, _ := call(t, s.Handler(), http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var ready handlers.ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, handlers.StatusReady, ready.Status)
	assert.Equal(t, "self", ready.Cluster.Leader)
	assert.True(t, ready.Cluster.IsLeader)
	assert.Equal(t, 1, ready.Cluster.Nodes)
}

func TestServer_ReadyFailsWithoutLeader(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, _ := call(t, s.Handler(), http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())

	w, _ = call(t, s.Handler(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_APIKeyProtectsAPIButNotHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKeys = []string{"secret"}
	s := newTestServer(t, cfg)
	h := s.Handler()

	w, env := call(t, h, http.MethodGet, "/api/v1/nodes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	w, _ = call(t, h, http.MethodGet, "/api/v1/nodes", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = call(t, h, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_UnregisterRequeuesPlacedTask(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.migrator.Watch()
	t.Cleanup(s.migrator.Unwatch)
	h := s.Handler()

	call(t, h, http.MethodPost, "/api/v1/nodes", map[string]any{"node_id": "node-a"}, nil)
	_, env := call(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{"task_type": "scan"}, nil)
	var submitted handlers.SubmitTaskResponse
	require.NoError(t, json.Unmarshal(env.Data, &submitted))

	w, _ := call(t, h, http.MethodPost, "/api/v1/tasks/"+submitted.TaskID+"/place", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, placed := s.distributed.NodeFor(submitted.TaskID)
	require.True(t, placed)

	w, _ = call(t, h, http.MethodDelete, "/api/v1/nodes/node-a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, placed = s.distributed.NodeFor(submitted.TaskID)
	assert.False(t, placed)
	assert.Empty(t, s.registry.Leader())
}

func TestServer_StorePersistsTaskEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Events.StoreEnabled = true
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "events.db")

	s := newTestServer(t, cfg)
	require.NotNil(t, s.store)
	h := s.Handler()

	_, env := call(t, h, http.MethodPost, "/api/v1/tasks", map[string]any{"task_type": "index"}, nil)
	var submitted handlers.SubmitTaskResponse
	require.NoError(t, json.Unmarshal(env.Data, &submitted))

	require.Eventually(t, func() bool {
		w, env := call(t, h, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID+"/events", nil, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var records []json.RawMessage
		return json.Unmarshal(env.Data, &records) == nil && len(records) > 0
	}, 5*time.Second, 20*time.Millisecond)

	// No leader yet, but the event store shows up in readiness.
	w, _ := call(t, h, http.MethodGet, "/ready", nil, nil)
	var ready handlers.ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.True(t, ready.Probes["database"].OK)
	require.NotNil(t, ready.Database)
	assert.Positive(t, ready.Database.MaxOpenConnections)
	assert.Equal(t, 1, ready.Cluster.Pending)
}

func TestServer_EventsEndpointUnavailableWithoutStore(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, env := call(t, s.Handler(), http.MethodGet, "/api/v1/tasks/task-00000000/events", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "SERVICE_UNAVAILABLE", env.Error.Code)
}

func TestServer_MembershipUpdatesMetrics(t *testing.T) {
	s := newTestServer(t, testConfig())

	s.registry.Register("node-a", registryMetadata(1))
	s.registry.Register("node-b", registryMetadata(2))
	s.registry.Unregister("node-b")

	families, err := s.promRegistry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["swarm_cluster_nodes"])
	assert.GreaterOrEqual(t, values["swarm_leader_changes_total"], 2.0)
	assert.Equal(t, 1.0, values["swarm_node_evictions_total"])
}

func registryMetadata(priority int) registry.Metadata {
	return registry.Metadata{Priority: registry.IntPtr(priority)}
}
