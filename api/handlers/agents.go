package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/types"
)

// =============================================================================
// 🤖 Agent Handler
// =============================================================================

// AgentHandler agent registration, liveness and district placement
type AgentHandler struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewAgentHandler creates an agent handler
func NewAgentHandler(coord *coordinator.Coordinator, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		coord:  coord,
		logger: logger.With(zap.String("component", "agent_handler")),
	}
}

// Register wires the agent routes onto mux.
func (h *AgentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/agents", h.HandleRegister)
	mux.HandleFunc("GET /api/v1/agents", h.HandleList)
	mux.HandleFunc("GET /api/v1/agents/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", h.HandleUnregister)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("POST /api/v1/agents/{id}/relocate", h.HandleRelocate)
	mux.HandleFunc("GET /api/v1/districts", h.HandleDistricts)
}

// RegisterAgentRequest agent registration payload
type RegisterAgentRequest struct {
	AgentID string `json:"agent_id"`
	coordinator.AgentMetadata
}

// AgentDetail an agent and the tasks it currently holds
type AgentDetail struct {
	coordinator.Agent
	Tasks []string `json:"tasks"`
}

// UnregisterAgentResponse lists tasks returned to the queue
type UnregisterAgentResponse struct {
	AgentID  string   `json:"agent_id"`
	Requeued []string `json:"requeued"`
}

// HeartbeatRequest optional status reported with a heartbeat
type HeartbeatRequest struct {
	Status string `json:"status,omitempty"`
}

// RelocateRequest target district
type RelocateRequest struct {
	District string `json:"district"`
}

// HandleRegister registers or refreshes an agent
// @Summary Register agent
// @Tags agent
// @Accept json
// @Produce json
// @Success 201 {object} Response{data=coordinator.Agent}
// @Failure 400 {object} Response
// @Router /api/v1/agents [post]
func (h *AgentHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		WriteError(w, types.NewInvalidRequestError("agent_id is required"), h.logger)
		return
	}
	if req.District != "" {
		d, err := coordinator.ParseDistrict(string(req.District))
		if err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
		req.District = d
	}

	h.coord.RegisterAgent(req.AgentID, req.AgentMetadata)
	agent, _ := h.coord.Agent(req.AgentID)
	WriteCreated(w, agent)
}

// HandleList lists registered agents
// @Summary List agents
// @Tags agent
// @Produce json
// @Success 200 {object} Response{data=[]coordinator.Agent}
// @Router /api/v1/agents [get]
func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.coord.Agents())
}

// HandleGet returns one agent with its held tasks
// @Summary Get agent
// @Tags agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=AgentDetail}
// @Failure 404 {object} Response
// @Router /api/v1/agents/{id} [get]
func (h *AgentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, ok := h.coord.Agent(id)
	if !ok {
		WriteError(w, types.NewNotFoundError("agent", id), h.logger)
		return
	}
	tasks := h.coord.AgentTasks(id)
	if tasks == nil {
		tasks = []string{}
	}
	WriteSuccess(w, AgentDetail{Agent: agent, Tasks: tasks})
}

// HandleUnregister removes an agent and requeues its tasks
// @Summary Unregister agent
// @Tags agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=UnregisterAgentResponse}
// @Router /api/v1/agents/{id} [delete]
func (h *AgentHandler) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	requeued := h.coord.UnregisterAgent(id)
	if requeued == nil {
		requeued = []string{}
	}
	WriteSuccess(w, UnregisterAgentResponse{AgentID: id, Requeued: requeued})
}

// HandleHeartbeat refreshes agent liveness
// @Summary Agent heartbeat
// @Tags agent
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=coordinator.Agent}
// @Failure 404 {object} Response
// @Router /api/v1/agents/{id}/heartbeat [post]
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decodeOptionalJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	id := r.PathValue("id")
	if !h.coord.Heartbeat(id, req.Status) {
		WriteError(w, types.NewNotFoundError("agent", id), h.logger)
		return
	}
	agent, _ := h.coord.Agent(id)
	WriteSuccess(w, agent)
}

// HandleRelocate moves an agent to another district. An unsuccessful
// relocation is reported in the result body, not as an HTTP error.
// @Summary Relocate agent
// @Tags agent
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=coordinator.RelocationResult}
// @Router /api/v1/agents/{id}/relocate [post]
func (h *AgentHandler) HandleRelocate(w http.ResponseWriter, r *http.Request) {
	var req RelocateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	to := coordinator.District(strings.ToUpper(strings.TrimSpace(req.District)))
	WriteSuccess(w, h.coord.RelocateAgent(r.PathValue("id"), to))
}

// HandleDistricts returns agent counts per district
// @Summary District load
// @Tags agent
// @Produce json
// @Success 200 {object} Response{data=map[string]int}
// @Router /api/v1/districts [get]
func (h *AgentHandler) HandleDistricts(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.coord.DistrictLoad())
}
