// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record* 方法对 nil 接收者安全，
// 组件在未注入 Collector 时可直接调用。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 任务指标
	tasksSubmitted  *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	taskRetries     *prometheus.CounterVec
	taskRequeues    *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksPending    prometheus.Gauge
	tasksActive     prometheus.Gauge

	// Agent 指标
	agentsRegistered prometheus.Gauge
	agentRelocations *prometheus.CounterVec

	// 集群指标
	clusterNodes     prometheus.Gauge
	leaderChanges    prometheus.Counter
	nodeEvictions    *prometheus.CounterVec
	orphansMigrated  prometheus.Counter
	placements       *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration prometheus.Histogram

	// 事件指标
	eventsPublished   *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	eventSinkFailures *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到 prometheus 默认 Registerer
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWithRegisterer 创建指标收集器，注册到指定 Registerer
func NewCollectorWithRegisterer(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 任务指标
	c.tasksSubmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of submitted tasks",
		},
		[]string{"task_type"},
	)

	c.taskTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"from", "to"},
	)

	c.taskRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retries after execution failure",
		},
		[]string{"task_type"},
	)

	c.taskRequeues = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_requeues_total",
			Help:      "Total number of tasks requeued because of infrastructure churn",
		},
		[]string{"reason"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from assignment to terminal state in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"task_type", "status"},
	)

	c.tasksPending = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_pending",
		Help:      "Number of tasks waiting in the pending queue",
	})

	c.tasksActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_active",
		Help:      "Number of non-terminal tasks",
	})

	// Agent 指标
	c.agentsRegistered = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents_registered",
		Help:      "Number of registered agents",
	})

	c.agentRelocations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_relocations_total",
			Help:      "Total number of agent district relocations",
		},
		[]string{"to_district"},
	)

	// 集群指标
	c.clusterNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_nodes",
		Help:      "Number of nodes in the local registry",
	})

	c.leaderChanges = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_changes_total",
		Help:      "Total number of leader hint changes",
	})

	c.nodeEvictions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_evictions_total",
			Help:      "Total number of nodes removed from the registry",
		},
		[]string{"reason"},
	)

	c.orphansMigrated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphans_migrated_total",
		Help:      "Total number of orphaned tasks requeued by the migrator",
	})

	c.placements = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "Total number of node placement decisions",
		},
		[]string{"result"},
	)

	c.deliveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of task deliveries to nodes",
		},
		[]string{"result"},
	)

	c.deliveryDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_duration_seconds",
		Help:      "Task delivery round-trip in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// 事件指标
	c.eventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of telemetry events accepted by the bus",
		},
		[]string{"type"},
	)

	c.eventsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of telemetry events dropped because the queue was full",
		},
		[]string{"type"},
	)

	c.eventSinkFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Total number of failed telemetry deliveries",
		},
		[]string{"sink"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📋 任务指标记录
// =============================================================================

// RecordTaskSubmitted 记录任务提交
func (c *Collector) RecordTaskSubmitted(taskType string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(taskType).Inc()
}

// RecordTaskTransition 记录任务状态转换
func (c *Collector) RecordTaskTransition(from, to string) {
	if c == nil {
		return
	}
	c.taskTransitions.WithLabelValues(from, to).Inc()
}

// RecordTaskRetry 记录执行失败后的重试
func (c *Collector) RecordTaskRetry(taskType string) {
	if c == nil {
		return
	}
	c.taskRetries.WithLabelValues(taskType).Inc()
}

// RecordTaskRequeue 记录基础设施抖动导致的重新入队
func (c *Collector) RecordTaskRequeue(reason string) {
	if c == nil {
		return
	}
	c.taskRequeues.WithLabelValues(reason).Inc()
}

// RecordTaskFinished 记录任务进入终态
func (c *Collector) RecordTaskFinished(taskType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.taskDuration.WithLabelValues(taskType, status).Observe(duration.Seconds())
}

// SetTaskQueue 更新队列深度与活跃任务数
func (c *Collector) SetTaskQueue(pending, active int) {
	if c == nil {
		return
	}
	c.tasksPending.Set(float64(pending))
	c.tasksActive.Set(float64(active))
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// SetAgentsRegistered 更新已注册 Agent 数
func (c *Collector) SetAgentsRegistered(n int) {
	if c == nil {
		return
	}
	c.agentsRegistered.Set(float64(n))
}

// RecordAgentRelocation 记录 Agent 迁移到新区域
func (c *Collector) RecordAgentRelocation(toDistrict string) {
	if c == nil {
		return
	}
	c.agentRelocations.WithLabelValues(toDistrict).Inc()
}

// =============================================================================
// 🌐 集群指标记录
// =============================================================================

// SetClusterNodes 更新节点数
func (c *Collector) SetClusterNodes(n int) {
	if c == nil {
		return
	}
	c.clusterNodes.Set(float64(n))
}

// RecordLeaderChange 记录 leader 变更
func (c *Collector) RecordLeaderChange() {
	if c == nil {
		return
	}
	c.leaderChanges.Inc()
}

// RecordNodeEviction 记录节点移除
func (c *Collector) RecordNodeEviction(reason string) {
	if c == nil {
		return
	}
	c.nodeEvictions.WithLabelValues(reason).Inc()
}

// RecordOrphansMigrated 记录迁移的孤儿任务数
func (c *Collector) RecordOrphansMigrated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.orphansMigrated.Add(float64(n))
}

// RecordPlacement 记录节点选择结果
func (c *Collector) RecordPlacement(result string) {
	if c == nil {
		return
	}
	c.placements.WithLabelValues(result).Inc()
}

// RecordDelivery 记录任务投递
func (c *Collector) RecordDelivery(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(result).Inc()
	c.deliveryDuration.Observe(duration.Seconds())
}

// =============================================================================
// 📡 事件指标记录
// =============================================================================

// RecordEventPublished 记录事件入队
func (c *Collector) RecordEventPublished(eventType string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped 记录事件因队列满被丢弃
func (c *Collector) RecordEventDropped(eventType string) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(eventType).Inc()
}

// RecordEventSinkFailure 记录事件投递失败
func (c *Collector) RecordEventSinkFailure(sink string) {
	if c == nil {
		return
	}
	c.eventSinkFailures.WithLabelValues(sink).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
