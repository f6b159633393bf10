package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tdw419/geometry-os-sub000/cluster/registry"
	"github.com/tdw419/geometry-os-sub000/internal/tlsutil"
	"github.com/tdw419/geometry-os-sub000/types"
)

// ExecutePath is the endpoint nodes expose for task execution.
const ExecutePath = "/api/v1/execute"

// DeliveryRequest is the payload handed to a node.
type DeliveryRequest struct {
	TaskID      string         `json:"task_id"`
	Type        string         `json:"type"`
	Params      map[string]any `json:"params"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

// Deliverer hands a task to the node chosen for it.
type Deliverer interface {
	Deliver(ctx context.Context, node registry.Node, req DeliveryRequest) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, node registry.Node, req DeliveryRequest) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, node registry.Node, req DeliveryRequest) error {
	return f(ctx, node, req)
}

// HTTPDeliverer POSTs tasks to <node.url>/api/v1/execute.
type HTTPDeliverer struct {
	client *http.Client
}

// NewHTTPDeliverer returns a deliverer using client, or a hardened client
// with the given timeout when client is nil.
func NewHTTPDeliverer(client *http.Client, timeout time.Duration) *HTTPDeliverer {
	if client == nil {
		client = tlsutil.SecureHTTPClient(timeout)
	}
	return &HTTPDeliverer{client: client}
}

// Deliver implements Deliverer. Any non-2xx answer is a failed delivery.
func (h *HTTPDeliverer) Deliver(ctx context.Context, node registry.Node, req DeliveryRequest) error {
	if node.Metadata.URL == "" {
		return types.NewError(types.ErrDeliveryFailed, fmt.Sprintf("node %s has no url", node.ID))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return types.NewError(types.ErrDeliveryFailed, "encode delivery request").WithCause(err)
	}

	url := strings.TrimRight(node.Metadata.URL, "/") + ExecutePath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.NewError(types.ErrDeliveryFailed, "build delivery request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return types.NewError(types.ErrDeliveryFailed, fmt.Sprintf("post to node %s", node.ID)).
			WithCause(err).
			WithRetryable(true)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.NewError(types.ErrDeliveryFailed,
			fmt.Sprintf("node %s answered %d", node.ID, resp.StatusCode)).
			WithRetryable(resp.StatusCode >= 500)
	}
	return nil
}
