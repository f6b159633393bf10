package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/api/handlers"
	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/cluster/dispatch"
	"github.com/tdw419/geometry-os-sub000/cluster/events"
	"github.com/tdw419/geometry-os-sub000/cluster/health"
	"github.com/tdw419/geometry-os-sub000/cluster/migrator"
	"github.com/tdw419/geometry-os-sub000/cluster/registry"
	"github.com/tdw419/geometry-os-sub000/config"
	"github.com/tdw419/geometry-os-sub000/internal/database"
	"github.com/tdw419/geometry-os-sub000/internal/metrics"
	"github.com/tdw419/geometry-os-sub000/internal/migration"
	"github.com/tdw419/geometry-os-sub000/internal/pubsub"
	"github.com/tdw419/geometry-os-sub000/internal/server"
	"github.com/tdw419/geometry-os-sub000/internal/telemetry"
	"github.com/tdw419/geometry-os-sub000/internal/tlsutil"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是单个 swarmd 节点，持有编排组件与 HTTP 服务
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 指标
	promRegistry *prometheus.Registry
	metrics      *metrics.Collector
	telemetry    *telemetry.Providers

	// 编排组件
	registry    *registry.Registry
	coord       *coordinator.Coordinator
	distributed *coordinator.Distributed
	bus         *events.Bus
	hub         *handlers.Hub
	wsSink      *events.WebSocketSink
	monitor     *health.Monitor
	migrator    *migrator.Migrator
	dispatcher  *dispatch.Dispatcher

	// 外部依赖（可选）
	pubsub *pubsub.Manager
	dbPool *database.PoolManager
	store  *events.StoreSink

	// HTTP
	handler        http.Handler
	httpManager    *server.Manager
	metricsManager *server.Manager
	watcher        *config.Watcher

	// 后台 goroutine（限流清理、健康检查、投递）的生命周期
	ctx    context.Context
	cancel context.CancelFunc

	membershipSub string
}

// NewServer 构建所有组件但不启动任何后台任务或监听
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.init(); err != nil {
		cancel()
		s.closeExternal()
		return nil, err
	}
	return s, nil
}

// =============================================================================
// 🔧 初始化
// =============================================================================

func (s *Server) init() error {
	// 1. 指标与追踪
	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewCollectorWithRegisterer(s.promRegistry, "swarm", s.logger)

	providers, err := telemetry.Init(s.cfg.Telemetry, s.cfg.Cluster.NodeID, s.logger)
	if err != nil {
		// 遥测不可用不影响编排
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	// 2. 事件出口
	sink, err := s.initSinks()
	if err != nil {
		return err
	}
	s.bus = events.NewBus(sink, events.BusConfig{
		QueueSize:       s.cfg.Events.QueueSize,
		DeliveryTimeout: s.cfg.Events.DeliveryTimeout,
	}, s.metrics, s.logger)

	// 3. 注册表与协调器
	s.registry = registry.New(s.logger)
	s.membershipSub = s.registry.Subscribe(s.onMembership)

	s.coord = coordinator.New(coordinator.Config{
		ID:                s.cfg.Coordinator.ID,
		DefaultMaxRetries: s.cfg.Coordinator.DefaultMaxRetries,
		HistoryLimit:      s.cfg.Coordinator.HistoryLimit,
	}, s.logger,
		coordinator.WithPublisher(s.bus),
		coordinator.WithMetrics(s.metrics),
	)
	s.distributed = coordinator.NewDistributed(s.coord, s.registry)

	// 4. 孤儿迁移与健康检查
	s.migrator = migrator.New(s.distributed, s.metrics, s.logger)
	s.monitor = health.New(health.Config{
		Interval:         s.cfg.Health.Interval,
		FailureThreshold: s.cfg.Health.FailureThreshold,
		AgentTimeout:     s.cfg.Health.AgentTimeout,
	}, s.registry, s.logger,
		health.WithAgentExpirer(s.coord),
		health.WithMetrics(s.metrics),
		health.OnEvict(s.onEvict),
	)

	// 5. 投递
	if s.cfg.Dispatch.Enabled {
		client, err := tlsutil.NodeHTTPClient(s.cfg.Dispatch.DeliveryTimeout, s.cfg.Dispatch.CAFile)
		if err != nil {
			return fmt.Errorf("dispatch client: %w", err)
		}
		s.dispatcher = dispatch.New(dispatch.Config{
			Interval:        s.cfg.Dispatch.Interval,
			Workers:         s.cfg.Dispatch.Workers,
			QueueSize:       s.cfg.Dispatch.QueueSize,
			DeliveryTimeout: s.cfg.Dispatch.DeliveryTimeout,
			CallbackURL:     s.cfg.Dispatch.CallbackURL,
		}, s.distributed, dispatch.NewHTTPDeliverer(client, s.cfg.Dispatch.DeliveryTimeout), s.metrics, s.logger)
	}

	// 6. 本节点自注册
	if s.cfg.Cluster.RegisterSelf {
		s.registry.Register(s.cfg.Cluster.NodeID, registry.Metadata{
			Capabilities: s.cfg.Cluster.Capabilities,
			URL:          s.cfg.Cluster.AdvertiseURL,
			Priority:     registry.IntPtr(s.cfg.Cluster.Priority),
		})
	}

	// 7. 路由与中间件
	s.handler = s.buildHandler()

	s.logger.Info("Server components initialized",
		zap.String("node_id", s.cfg.Cluster.NodeID),
		zap.Bool("dispatch", s.dispatcher != nil),
		zap.Bool("redis", s.pubsub != nil),
		zap.Bool("store", s.store != nil),
	)
	return nil
}

// initSinks 按配置组装事件出口；hub 始终存在
func (s *Server) initSinks() (events.Sink, error) {
	ec := s.cfg.Events
	multi := events.NewMultiSink()

	if ec.LogEnabled {
		multi.Add(events.NewLogSink(s.logger))
	}

	if ec.WebSocketURL != "" {
		s.wsSink = events.NewWebSocketSink(ec.WebSocketURL, s.logger)
		multi.Add(s.wsSink)
	}

	if ec.RedisEnabled {
		ps, err := pubsub.NewManager(pubsub.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.pubsub = ps
		multi.Add(events.NewRedisSink(ps, events.RedisSinkConfig{
			Channel:      ec.RedisChannel,
			Stream:       ec.RedisStream,
			StreamMaxLen: ec.RedisStreamMaxLen,
		}))
	}

	if ec.StoreEnabled {
		if err := s.initStore(); err != nil {
			return nil, err
		}
		multi.Add(s.store)
	}

	s.hub = handlers.NewHub(handlers.DefaultHubConfig(), s.logger)
	multi.Add(s.hub)
	return multi, nil
}

// initStore 先执行迁移再打开连接池
func (s *Server) initStore() error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	upErr := m.Up(s.ctx)
	if closeErr := m.Close(); closeErr != nil {
		s.logger.Warn("closing migrator failed", zap.Error(closeErr))
	}
	if upErr != nil {
		return fmt.Errorf("apply migrations: %w", upErr)
	}

	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}

	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(db, poolCfg, s.logger, database.WithMetrics(s.metrics, "events"))
	if err != nil {
		return err
	}
	s.dbPool = pool
	s.store = events.NewStoreSink(pool)
	return nil
}

// onMembership 把注册表事件同步到指标
func (s *Server) onMembership(ev registry.Event) {
	s.metrics.SetClusterNodes(s.registry.Len())

	switch ev.Type {
	case registry.EventLeaderChanged:
		s.metrics.RecordLeaderChange()
		s.logger.Info("cluster leader changed",
			zap.String("previous", ev.PreviousLeader),
			zap.String("leader", ev.Leader),
			zap.Bool("self", ev.Leader == s.cfg.Cluster.NodeID))
	case registry.EventNodeRemoved:
		// 超时驱逐由健康检查计数
		if ev.Reason == registry.ReasonUnregistered {
			s.metrics.RecordNodeEviction(string(ev.Reason))
		}
	}
}

func (s *Server) onEvict(_ context.Context, nodeID string) {
	s.logger.Warn("node evicted by health monitor", zap.String("node_id", nodeID))
}

// =============================================================================
// 🌐 路由
// =============================================================================

// publicPaths 不需要认证
var publicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(s.distributed, s.cfg.Cluster.NodeID, s.logger)
	if s.dbPool != nil {
		healthHandler.WithDatabase(s.dbPool)
	}
	if s.pubsub != nil {
		healthHandler.AddProbe("redis", s.pubsub.Ping)
	}
	healthHandler.Register(mux)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	var taskOpts []handlers.TaskHandlerOption
	if s.store != nil {
		taskOpts = append(taskOpts, handlers.WithTaskHistory(s.store))
	}
	if s.dispatcher != nil {
		taskOpts = append(taskOpts, handlers.WithDispatcher(s.dispatcher))
	}
	handlers.NewTaskHandler(s.distributed, s.logger, taskOpts...).Register(mux)
	handlers.NewAgentHandler(s.coord, s.logger).Register(mux)
	handlers.NewClusterHandler(s.distributed, s.migrator, s.logger).Register(mux)
	mux.HandleFunc("GET /api/v1/events/ws", s.hub.HandleWS)

	sc := s.cfg.Server
	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metrics),
		CORS(sc.CORSAllowedOrigins),
		APIKeyAuth(sc.APIKeys, publicPaths, sc.AllowQueryAPIKey, s.logger),
	}
	if s.cfg.JWT.Enabled() {
		chain = append(chain,
			JWTAuth(s.cfg.JWT, publicPaths, s.logger),
			SubjectRateLimiter(s.ctx, float64(sc.RateLimitRPS), sc.RateLimitBurst, s.logger),
		)
		if s.cfg.JWT.OperatorRole != "" {
			chain = append(chain, RequireRole(s.cfg.JWT.OperatorRole, true))
		}
	} else {
		chain = append(chain, RateLimiter(s.ctx, float64(sc.RateLimitRPS), sc.RateLimitBurst, s.logger))
	}

	return Chain(mux, chain...)
}

// Handler 返回带中间件的 API 处理器
func (s *Server) Handler() http.Handler {
	return s.handler
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动后台组件与 HTTP 服务
func (s *Server) Start() error {
	if err := s.monitor.Start(s.ctx); err != nil {
		return fmt.Errorf("health monitor: %w", err)
	}
	s.migrator.Watch()
	if s.dispatcher != nil {
		if err := s.dispatcher.Start(s.ctx); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("tls", s.cfg.Server.TLSCertFile != ""),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	sc := s.cfg.Server
	s.httpManager = server.NewManager(s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)

	// 钩子按注册的逆序执行：先停投递和检查，再关事件出口，最后关外部连接
	s.httpManager.OnShutdown("background", func(context.Context) error {
		s.cancel()
		return nil
	})
	s.httpManager.OnShutdown("external", func(context.Context) error {
		return s.closeExternal()
	})
	s.httpManager.OnShutdown("telemetry", func(ctx context.Context) error {
		if s.telemetry == nil {
			return nil
		}
		return s.telemetry.Shutdown(ctx)
	})
	s.httpManager.OnShutdown("metrics_server", func(ctx context.Context) error {
		if s.metricsManager == nil {
			return nil
		}
		return s.metricsManager.Shutdown(ctx)
	})
	s.httpManager.OnShutdown("event_bus", func(ctx context.Context) error {
		err := s.bus.Close(ctx)
		s.hub.Close()
		return err
	})
	s.httpManager.OnShutdown("orchestration", func(ctx context.Context) error {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		s.migrator.Unwatch()
		s.monitor.Stop()
		s.registry.Unsubscribe(s.membershipSub)
		if s.dispatcher != nil {
			return s.dispatcher.Stop(ctx)
		}
		return nil
	})

	if sc.TLSCertFile != "" {
		return s.httpManager.StartTLS(sc.TLSCertFile, sc.TLSKeyFile)
	}
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{
		Registry:          s.promRegistry,
		EnableOpenMetrics: true,
	}))

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// WatchConfig 监听配置文件，热更新日志级别
func (s *Server) WatchConfig(loader *config.Loader, level zap.AtomicLevel) {
	s.watcher = config.NewWatcher(loader, 0, s.logger)
	s.watcher.OnReload(func(cfg *config.Config) {
		next := parseLevel(cfg.Log.Level)
		if next != level.Level() {
			level.SetLevel(next)
			s.logger.Info("log level updated", zap.String("level", next.String()))
		}
	})
	if err := s.watcher.Start(s.ctx); err != nil {
		s.logger.Warn("config watcher not started", zap.Error(err))
		s.watcher = nil
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到信号或服务异常，随后按钩子顺序关闭
func (s *Server) WaitForShutdown(ctx context.Context) error {
	if s.httpManager == nil {
		return errors.New("server not started")
	}
	return s.httpManager.WaitForShutdown(ctx)
}

// closeExternal 关闭 websocket、Redis 与数据库连接
func (s *Server) closeExternal() error {
	var errs []error
	if s.wsSink != nil {
		errs = append(errs, s.wsSink.Close())
	}
	if s.pubsub != nil {
		errs = append(errs, s.pubsub.Close())
	}
	if s.dbPool != nil {
		errs = append(errs, s.dbPool.Close())
	}
	return errors.Join(errs...)
}
