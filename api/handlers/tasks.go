package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/cluster/events"
	"github.com/tdw419/geometry-os-sub000/types"
)

// =============================================================================
// 📋 Task Handler
// =============================================================================

// TaskHistorySource 提供持久化的任务事件（由 events.StoreSink 实现）
type TaskHistorySource interface {
	TaskHistory(ctx context.Context, taskID string, limit int) ([]events.TaskEventRecord, error)
}

// TaskDispatcher 同步投递单个任务（由 dispatch.Dispatcher 实现）
type TaskDispatcher interface {
	DispatchTask(ctx context.Context, taskID string) (string, error)
}

// TaskHandler 任务生命周期 API
type TaskHandler struct {
	coord      *coordinator.Distributed
	history    TaskHistorySource
	dispatcher TaskDispatcher
	logger     *zap.Logger
}

// TaskHandlerOption 配置 TaskHandler
type TaskHandlerOption func(*TaskHandler)

// WithTaskHistory 启用 /tasks/{id}/events 端点
func WithTaskHistory(src TaskHistorySource) TaskHandlerOption {
	return func(h *TaskHandler) { h.history = src }
}

// WithDispatcher 启用 /tasks/{id}/dispatch 端点
func WithDispatcher(d TaskDispatcher) TaskHandlerOption {
	return func(h *TaskHandler) { h.dispatcher = d }
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(coord *coordinator.Distributed, logger *zap.Logger, opts ...TaskHandlerOption) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &TaskHandler{
		coord:  coord,
		logger: logger.With(zap.String("component", "task_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册路由
func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks", h.HandleSubmit)
	mux.HandleFunc("GET /api/v1/tasks", h.HandleList)
	mux.HandleFunc("POST /api/v1/tasks/sync", h.HandleSync)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", h.HandleEvents)
	mux.HandleFunc("POST /api/v1/tasks/{id}/assign", h.HandleAssign)
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", h.HandleComplete)
	mux.HandleFunc("POST /api/v1/tasks/{id}/fail", h.HandleFail)
	mux.HandleFunc("POST /api/v1/tasks/{id}/place", h.HandlePlace)
	if h.dispatcher != nil {
		mux.HandleFunc("POST /api/v1/tasks/{id}/dispatch", h.HandleDispatch)
	}
}

// =============================================================================
// 📨 请求 / 响应
// =============================================================================

// SubmitTaskResponse 提交结果
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskListResponse 任务快照
type TaskListResponse struct {
	Pending []coordinator.Task `json:"pending"`
	Active  []coordinator.Task `json:"active"`
	History []coordinator.Task `json:"history"`
}

// AssignRequest 指派请求
type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// CompleteRequest 完成上报
type CompleteRequest struct {
	AgentID string         `json:"agent_id"`
	Result  map[string]any `json:"result,omitempty"`
	// Success 缺省为 true
	Success *bool `json:"success,omitempty"`
}

// FailRequest 失败上报
type FailRequest struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

// PlaceResponse 节点选择结果
type PlaceResponse struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleSubmit 提交任务
// @Summary Submit task
// @Tags tasks
// @Accept json
// @Produce json
// @Success 201 {object} Response{data=SubmitTaskResponse}
// @Failure 400 {object} Response
// @Router /api/v1/tasks [post]
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.SubmitRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		WriteError(w, types.NewInvalidRequestError("task_type is required"), h.logger)
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		WriteError(w, types.NewInvalidRequestError("max_retries must be >= 0"), h.logger)
		return
	}

	id := h.coord.SubmitTask(req)
	WriteCreated(w, SubmitTaskResponse{TaskID: id})
}

// HandleList 返回 pending/active/history 快照
// @Summary List tasks
// @Tags tasks
// @Produce json
// @Param status query string false "pending|assigned|completed|failed"
// @Success 200 {object} Response{data=TaskListResponse}
// @Router /api/v1/tasks [get]
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := coordinator.ParseTaskStatus(s)
		if err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
		WriteSuccess(w, h.byStatus(status))
		return
	}

	WriteSuccess(w, TaskListResponse{
		Pending: h.coord.PendingTasks(),
		Active:  h.coord.ActiveTasks(),
		History: h.coord.History(),
	})
}

func (h *TaskHandler) byStatus(status coordinator.TaskStatus) []coordinator.Task {
	switch status {
	case coordinator.StatusPending:
		return h.coord.PendingTasks()
	case coordinator.StatusAssigned:
		out := []coordinator.Task{}
		for _, t := range h.coord.ActiveTasks() {
			if t.Status == coordinator.StatusAssigned {
				out = append(out, t)
			}
		}
		return out
	}
	out := []coordinator.Task{}
	for _, t := range h.coord.History() {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// HandleGet 查询单个任务（活动或历史）
// @Summary Get task
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=coordinator.Task}
// @Failure 404 {object} Response
// @Router /api/v1/tasks/{id} [get]
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := h.coord.Task(id)
	if !ok {
		WriteError(w, types.NewNotFoundError("task", id), h.logger)
		return
	}
	WriteSuccess(w, task)
}

// HandleEvents 返回持久化的任务事件
// @Summary Task event history
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Param limit query int false "max events"
// @Success 200 {object} Response{data=[]events.TaskEventRecord}
// @Failure 503 {object} Response "event store disabled"
// @Router /api/v1/tasks/{id}/events [get]
func (h *TaskHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "event store is disabled", h.logger)
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			WriteError(w, types.NewInvalidRequestError("limit must be a non-negative integer"), h.logger)
			return
		}
		limit = n
	}

	records, err := h.history.TaskHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if records == nil {
		records = []events.TaskEventRecord{}
	}
	WriteSuccess(w, records)
}

// HandleAssign 指派任务给 agent
// @Summary Assign task
// @Tags tasks
// @Accept json
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=coordinator.Task}
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /api/v1/tasks/{id}/assign [post]
func (h *TaskHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.AgentID == "" {
		WriteError(w, types.NewInvalidRequestError("agent_id is required"), h.logger)
		return
	}

	id := r.PathValue("id")
	if err := h.coord.Assign(id, req.AgentID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.writeTask(w, id)
}

// HandleComplete 上报任务完成
// @Summary Complete task
// @Tags tasks
// @Accept json
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=coordinator.Task}
// @Router /api/v1/tasks/{id}/complete [post]
func (h *TaskHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeOptionalJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	success := req.Success == nil || *req.Success

	id := r.PathValue("id")
	if err := h.coord.Complete(id, req.AgentID, req.Result, success); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.writeTask(w, id)
}

// HandleFail 上报任务失败
// @Summary Fail task
// @Tags tasks
// @Accept json
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=coordinator.Task}
// @Router /api/v1/tasks/{id}/fail [post]
func (h *TaskHandler) HandleFail(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if err := decodeOptionalJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	id := r.PathValue("id")
	if err := h.coord.Fail(id, req.AgentID, req.Error); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.writeTask(w, id)
}

// HandlePlace 为任务选择目标节点
// @Summary Select target node
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=PlaceResponse}
// @Failure 409 {object} Response "capability unavailable"
// @Failure 503 {object} Response "no nodes"
// @Router /api/v1/tasks/{id}/place [post]
func (h *TaskHandler) HandlePlace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	nodeID, err := h.coord.SelectTargetNode(id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, PlaceResponse{TaskID: id, NodeID: nodeID})
}

// HandleDispatch 立即选择节点并投递任务，等待节点接收
// @Summary Dispatch task now
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=PlaceResponse}
// @Failure 409 {object} Response "task not pending or capability unavailable"
// @Failure 502 {object} Response "delivery failed"
// @Failure 503 {object} Response "no nodes"
// @Router /api/v1/tasks/{id}/dispatch [post]
func (h *TaskHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	nodeID, err := h.dispatcher.DispatchTask(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, PlaceResponse{TaskID: id, NodeID: nodeID})
}

// HandleSync 接收对端协调器的任务状态
// @Summary Sync task state from a peer
// @Tags tasks
// @Accept json
// @Produce json
// @Success 200 {object} Response{data=coordinator.Task}
// @Failure 400 {object} Response
// @Failure 409 {object} Response "task already terminal"
// @Router /api/v1/tasks/sync [post]
func (h *TaskHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	var state coordinator.TaskState
	if err := DecodeJSONBody(w, r, &state, h.logger); err != nil {
		return
	}
	if state.TaskID == "" {
		WriteError(w, types.NewInvalidRequestError("task_id is required"), h.logger)
		return
	}

	if err := h.coord.SyncTaskState(state); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.writeTask(w, state.TaskID)
}

func (h *TaskHandler) writeTask(w http.ResponseWriter, id string) {
	task, ok := h.coord.Task(id)
	if !ok {
		WriteError(w, types.NewNotFoundError("task", id), h.logger)
		return
	}
	WriteSuccess(w, task)
}
