package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/cluster/registry"
	"github.com/tdw419/geometry-os-sub000/types"
)

// =============================================================================
// 🌐 Cluster Handler
// =============================================================================

// OrphanMigrator finds and requeues tasks stranded on departed nodes.
type OrphanMigrator interface {
	DetectOrphans() []string
	MigrateOrphans(ctx context.Context) int
}

// ClusterHandler serves node membership and cluster-wide views.
type ClusterHandler struct {
	coord    *coordinator.Distributed
	registry *registry.Registry
	migrator OrphanMigrator
	logger   *zap.Logger
}

// NewClusterHandler creates a cluster handler.
func NewClusterHandler(coord *coordinator.Distributed, migrator OrphanMigrator, logger *zap.Logger) *ClusterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClusterHandler{
		coord:    coord,
		registry: coord.Registry(),
		migrator: migrator,
		logger:   logger.With(zap.String("component", "cluster_handler")),
	}
}

// Register wires the node and cluster routes onto mux.
func (h *ClusterHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/nodes", h.HandleRegisterNode)
	mux.HandleFunc("GET /api/v1/nodes", h.HandleListNodes)
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", h.HandleUnregisterNode)
	mux.HandleFunc("POST /api/v1/nodes/{id}/heartbeat", h.HandleNodeHeartbeat)
	mux.HandleFunc("GET /api/v1/cluster", h.HandleStatus)
	mux.HandleFunc("GET /api/v1/cluster/orphans", h.HandleOrphans)
	mux.HandleFunc("POST /api/v1/cluster/migrate", h.HandleMigrate)
}

// RegisterNodeRequest node join payload
type RegisterNodeRequest struct {
	NodeID string `json:"node_id"`
	registry.Metadata
}

// NodeHeartbeatRequest carries an optional load report.
type NodeHeartbeatRequest struct {
	Load *float64 `json:"load,omitempty"`
}

// ClusterStatusResponse membership plus coordinator summary
type ClusterStatusResponse struct {
	Cluster     registry.Status    `json:"cluster"`
	Coordinator coordinator.Status `json:"coordinator"`
	Placements  map[string]string  `json:"placements"`
}

// OrphansResponse tasks placed on nodes that left the cluster
type OrphansResponse struct {
	Orphans []string `json:"orphans"`
}

// MigrateResponse number of tasks returned to the queue
type MigrateResponse struct {
	Migrated int `json:"migrated"`
}

// HandleRegisterNode adds or refreshes a node
// @Summary Register node
// @Tags cluster
// @Accept json
// @Produce json
// @Success 201 {object} Response{data=registry.Node}
// @Failure 400 {object} Response
// @Router /api/v1/nodes [post]
func (h *ClusterHandler) HandleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterNodeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.NodeID = strings.TrimSpace(req.NodeID)
	if req.NodeID == "" {
		WriteError(w, types.NewInvalidRequestError("node_id is required"), h.logger)
		return
	}
	if req.Load < 0 {
		WriteError(w, types.NewInvalidRequestError("load must be >= 0"), h.logger)
		return
	}

	h.registry.Register(req.NodeID, req.Metadata)
	node, _ := h.registry.Get(req.NodeID)
	WriteCreated(w, node)
}

// HandleListNodes lists registered nodes
// @Summary List nodes
// @Tags cluster
// @Produce json
// @Success 200 {object} Response{data=[]registry.Node}
// @Router /api/v1/nodes [get]
func (h *ClusterHandler) HandleListNodes(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.registry.Nodes())
}

// HandleUnregisterNode removes a node. Tasks placed on it become orphans.
// @Summary Unregister node
// @Tags cluster
// @Param id path string true "Node ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/nodes/{id} [delete]
func (h *ClusterHandler) HandleUnregisterNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.registry.Unregister(id) {
		WriteError(w, types.NewNotFoundError("node", id), h.logger)
		return
	}
	WriteSuccess(w, h.registry.ClusterStatus())
}

// HandleNodeHeartbeat refreshes a node's liveness and optionally its load
// @Summary Node heartbeat
// @Tags cluster
// @Accept json
// @Param id path string true "Node ID"
// @Success 200 {object} Response{data=registry.Node}
// @Failure 404 {object} Response
// @Router /api/v1/nodes/{id}/heartbeat [post]
func (h *ClusterHandler) HandleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req NodeHeartbeatRequest
	if err := decodeOptionalJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	id := r.PathValue("id")
	if !h.registry.UpdateHeartbeat(id) {
		WriteError(w, types.NewNotFoundError("node", id), h.logger)
		return
	}
	if req.Load != nil {
		h.registry.UpdateLoad(id, *req.Load)
	}
	node, _ := h.registry.Get(id)
	WriteSuccess(w, node)
}

// HandleStatus returns membership, leader and coordinator counters
// @Summary Cluster status
// @Tags cluster
// @Produce json
// @Success 200 {object} Response{data=ClusterStatusResponse}
// @Router /api/v1/cluster [get]
func (h *ClusterHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, ClusterStatusResponse{
		Cluster:     h.registry.ClusterStatus(),
		Coordinator: h.coord.Status(),
		Placements:  h.coord.NodeAssignments(),
	})
}

// HandleOrphans lists tasks placed on departed nodes
// @Summary Detect orphans
// @Tags cluster
// @Produce json
// @Success 200 {object} Response{data=OrphansResponse}
// @Router /api/v1/cluster/orphans [get]
func (h *ClusterHandler) HandleOrphans(w http.ResponseWriter, r *http.Request) {
	orphans := h.migrator.DetectOrphans()
	if orphans == nil {
		orphans = []string{}
	}
	WriteSuccess(w, OrphansResponse{Orphans: orphans})
}

// HandleMigrate requeues every orphaned task
// @Summary Migrate orphans
// @Tags cluster
// @Produce json
// @Success 200 {object} Response{data=MigrateResponse}
// @Router /api/v1/cluster/migrate [post]
func (h *ClusterHandler) HandleMigrate(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, MigrateResponse{Migrated: h.migrator.MigrateOrphans(r.Context())})
}
