package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/internal/database"
)

// =============================================================================
// 🏥 探针 Handler
// =============================================================================

// 就绪状态
const (
	StatusLive     = "live"
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// readyTimeout 单次 /ready 中所有依赖探测的总时限
const readyTimeout = 5 * time.Second

// Probe 就绪依赖（数据库、Redis 等）
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// LivenessResponse /health 与 /healthz 响应
type LivenessResponse struct {
	Status    string    `json:"status"`
	NodeID    string    `json:"node_id,omitempty"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// ClusterSummary 本节点视角的集群概况
type ClusterSummary struct {
	Leader       string `json:"leader"`
	IsLeader     bool   `json:"is_leader"`
	Nodes        int    `json:"nodes"`
	ActiveAgents int    `json:"active_agents"`
	Pending      int    `json:"pending_tasks"`
	Active       int    `json:"active_tasks"`
	Placed       int    `json:"placed_tasks"`
}

// ProbeResult 单个依赖的探测结果
type ProbeResult struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// ReadinessResponse /ready 与 /readyz 响应
type ReadinessResponse struct {
	Status    string                 `json:"status"`
	Reasons   []string               `json:"reasons,omitempty"`
	Cluster   ClusterSummary         `json:"cluster"`
	Probes    map[string]ProbeResult `json:"probes,omitempty"`
	Database  *database.PoolStats    `json:"database,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// HealthHandler 存活与就绪探针。选出 leader 且所有依赖可达时节点才算就绪。
type HealthHandler struct {
	coord   *coordinator.Distributed
	nodeID  string
	started time.Time
	logger  *zap.Logger

	mu      sync.RWMutex
	probes  []Probe
	dbStats func() database.PoolStats
}

// NewHealthHandler 创建探针处理器；nodeID 为本节点在注册表中的 id，可为空
func NewHealthHandler(coord *coordinator.Distributed, nodeID string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		coord:   coord,
		nodeID:  nodeID,
		started: time.Now(),
		logger:  logger.With(zap.String("component", "health_handler")),
	}
}

// AddProbe 追加就绪依赖
func (h *HealthHandler) AddProbe(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, Probe{Name: name, Check: check})
}

// WithDatabase 把事件库加入就绪探测，并在响应中附带连接池统计
func (h *HealthHandler) WithDatabase(pool *database.PoolManager) {
	h.AddProbe("database", pool.Ping)
	h.mu.Lock()
	h.dbStats = pool.GetStats
	h.mu.Unlock()
}

// Register 注册探针路由
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleLive)
	mux.HandleFunc("GET /healthz", h.HandleLive)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.HandleFunc("GET /readyz", h.HandleReady)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleLive 存活探针：进程能响应即为存活
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} LivenessResponse
// @Router /health [get]
// @Router /healthz [get]
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, LivenessResponse{
		Status:    StatusLive,
		NodeID:    h.nodeID,
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
		Timestamp: time.Now(),
	})
}

// HandleReady 就绪探针
// @Summary Readiness probe
// @Description 未选出 leader 或任一依赖不可达时返回 503
// @Tags health
// @Produce json
// @Success 200 {object} ReadinessResponse
// @Failure 503 {object} ReadinessResponse
// @Router /ready [get]
// @Router /readyz [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	h.mu.RLock()
	probes := append([]Probe(nil), h.probes...)
	dbStats := h.dbStats
	h.mu.RUnlock()

	resp := ReadinessResponse{
		Status:    StatusReady,
		Cluster:   h.summary(),
		Timestamp: time.Now(),
	}
	if resp.Cluster.Leader == "" {
		resp.Reasons = append(resp.Reasons, "no cluster leader elected")
	}

	if len(probes) > 0 {
		resp.Probes = make(map[string]ProbeResult, len(probes))
	}
	for _, p := range probes {
		start := time.Now()
		err := p.Check(ctx)
		result := ProbeResult{OK: err == nil, Latency: time.Since(start).String()}
		if err != nil {
			result.Error = err.Error()
			resp.Reasons = append(resp.Reasons, p.Name+" unreachable")
			h.logger.Warn("readiness probe failed", zap.String("probe", p.Name), zap.Error(err))
		}
		resp.Probes[p.Name] = result
	}

	if dbStats != nil {
		stats := dbStats()
		resp.Database = &stats
	}

	if len(resp.Reasons) > 0 {
		resp.Status = StatusNotReady
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Tags health
// @Produce json
// @Success 200 {object} Response{data=map[string]string}
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

func (h *HealthHandler) summary() ClusterSummary {
	cluster := h.coord.Registry().ClusterStatus()
	status := h.coord.Status()
	return ClusterSummary{
		Leader:       cluster.LeaderID,
		IsLeader:     h.nodeID != "" && cluster.LeaderID == h.nodeID,
		Nodes:        cluster.NodeCount,
		ActiveAgents: status.ActiveAgents,
		Pending:      status.Pending,
		Active:       status.Active,
		Placed:       len(h.coord.NodeAssignments()),
	}
}
