// =============================================================================
// 📦 Swarm 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Cluster:     DefaultClusterConfig(),
		Coordinator: DefaultCoordinatorConfig(),
		Health:      DefaultHealthConfig(),
		Dispatch:    DefaultDispatchConfig(),
		Events:      DefaultEventsConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultClusterConfig 返回默认集群配置
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		NodeID:       "swarm-node-1",
		AdvertiseURL: "http://localhost:8080",
	}
}

// DefaultCoordinatorConfig 返回默认协调器配置
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ID:                "coordinator",
		DefaultMaxRetries: 3,
		HistoryLimit:      10000,
	}
}

// DefaultHealthConfig 返回默认健康检查配置
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:         5 * time.Second,
		FailureThreshold: 15 * time.Second,
		AgentTimeout:     60 * time.Second,
	}
}

// DefaultDispatchConfig 返回默认投递配置
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Enabled:         true,
		Interval:        time.Second,
		Workers:         8,
		QueueSize:       128,
		DeliveryTimeout: 10 * time.Second,
	}
}

// DefaultEventsConfig 返回默认事件配置
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		QueueSize:         1024,
		DeliveryTimeout:   5 * time.Second,
		LogEnabled:        true,
		RedisChannel:      "swarm:events",
		RedisStreamMaxLen: 10000,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "swarm",
		Password:        "",
		Name:            "swarm.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "swarmd",
		SampleRate:   0.1,
	}
}
