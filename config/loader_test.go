// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "coordinator", cfg.Coordinator.ID)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "swarm.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
  api_keys: ["k1", "k2"]

cluster:
  node_id: "node-a"
  priority: 7
  capabilities: ["gpu", "cpu"]

coordinator:
  default_max_retries: 5
  history_limit: 100

health:
  interval: 2s
  failure_threshold: 6s

events:
  redis_enabled: true
  redis_stream: "swarm:stream"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, "node-a", cfg.Cluster.NodeID)
	assert.Equal(t, 7, cfg.Cluster.Priority)
	assert.Equal(t, []string{"gpu", "cpu"}, cfg.Cluster.Capabilities)
	assert.Equal(t, 5, cfg.Coordinator.DefaultMaxRetries)
	assert.Equal(t, 100, cfg.Coordinator.HistoryLimit)
	assert.Equal(t, 2*time.Second, cfg.Health.Interval)
	assert.Equal(t, 6*time.Second, cfg.Health.FailureThreshold)
	assert.True(t, cfg.Events.RedisEnabled)
	assert.Equal(t, "swarm:stream", cfg.Events.RedisStream)

	// 未出现在文件中的字段保留默认值
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, "swarm:events", cfg.Events.RedisChannel)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: 8888\n"), 0o644))

	t.Setenv("SWARM_SERVER_HTTP_PORT", "7777")
	t.Setenv("SWARM_HEALTH_FAILURE_THRESHOLD", "45s")
	t.Setenv("SWARM_CLUSTER_CAPABILITIES", "gpu, ,tpu")
	t.Setenv("SWARM_DISPATCH_ENABLED", "false")
	t.Setenv("SWARM_TELEMETRY_SAMPLE_RATE", "0.5")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.Health.FailureThreshold)
	assert.Equal(t, []string{"gpu", "tpu"}, cfg.Cluster.Capabilities)
	assert.False(t, cfg.Dispatch.Enabled)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("NODE_COORDINATOR_ID", "c-9")

	cfg, err := NewLoader().WithEnvPrefix("NODE").Load()
	require.NoError(t, err)
	assert.Equal(t, "c-9", cfg.Coordinator.ID)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("SWARM_HEALTH_INTERVAL", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWARM_HEALTH_INTERVAL")
}

func TestLoader_Validator(t *testing.T) {
	t.Setenv("SWARM_SERVER_HTTP_PORT", "70000")

	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty node id", func(c *Config) { c.Cluster.NodeID = "" }, "node_id"},
		{"negative retries", func(c *Config) { c.Coordinator.DefaultMaxRetries = -1 }, "default_max_retries"},
		{"zero threshold", func(c *Config) { c.Health.FailureThreshold = 0 }, "failure_threshold"},
		{"half tls", func(c *Config) { c.Server.TLSCertFile = "cert.pem" }, "tls_cert_file"},
		{"bad driver", func(c *Config) {
			c.Events.StoreEnabled = true
			c.Database.Driver = "oracle"
		}, "unsupported database driver"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	db := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "swarm", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=swarm sslmode=disable", db.DSN())

	db.Driver = "mysql"
	db.Port = 3306
	assert.Equal(t, "u:p@tcp(db:3306)/swarm?parseTime=true", db.DSN())

	db.Driver = "sqlite"
	assert.Equal(t, "swarm", db.DSN())

	db.Driver = "unknown"
	assert.Empty(t, db.DSN())
}

func TestMustLoad_Panics(t *testing.T) {
	t.Setenv("SWARM_SERVER_HTTP_PORT", "0")
	assert.Panics(t, func() { MustLoad("") })
}

func TestJWTConfig_Enabled(t *testing.T) {
	assert.False(t, JWTConfig{}.Enabled())
	assert.True(t, JWTConfig{Secret: "s"}.Enabled())
	assert.True(t, JWTConfig{PublicKey: "pem"}.Enabled())
}
