package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/cluster/migrator"
	"github.com/tdw419/geometry-os-sub000/cluster/registry"
)

type apiFixture struct {
	t     *testing.T
	mux   *http.ServeMux
	coord *coordinator.Distributed
	reg   *registry.Registry
}

func newAPIFixture(t *testing.T, opts ...TaskHandlerOption) *apiFixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	coord := coordinator.NewDistributed(coordinator.New(coordinator.DefaultConfig(), logger), reg)

	mux := http.NewServeMux()
	NewTaskHandler(coord, logger, opts...).Register(mux)
	NewAgentHandler(coord.Coordinator, logger).Register(mux)
	NewClusterHandler(coord, migrator.New(coord, nil, logger), logger).Register(mux)

	return &apiFixture{t: t, mux: mux, coord: coord, reg: reg}
}

// do performs a request and decodes the envelope; data is decoded into out
// when out is non-nil.
func (f *apiFixture) do(method, path string, body any, out any) (int, Response) {
	f.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)

	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &raw), w.Body.String())
	if out != nil && len(raw.Data) > 0 {
		require.NoError(f.t, json.Unmarshal(raw.Data, out))
	}
	return w.Code, raw.Response
}

func (f *apiFixture) submit(taskType string, extra map[string]any) string {
	f.t.Helper()

	body := map[string]any{"task_type": taskType}
	for k, v := range extra {
		body[k] = v
	}
	var resp SubmitTaskResponse
	code, _ := f.do(http.MethodPost, "/api/v1/tasks", body, &resp)
	require.Equal(f.t, http.StatusCreated, code)
	require.NotEmpty(f.t, resp.TaskID)
	return resp.TaskID
}
