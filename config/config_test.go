package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/consolebox/safety"
)

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Transport: "http", HTTPPort: 8080},
		Logging: LoggingConfig{Mode: "production", Level: "info"},
		Sandbox: SandboxConfig{
			TimeoutMS:      5000,
			MaxTimeoutMS:   30000,
			MaxResults:     100,
			MaxOutputBytes: 1024,
			CaptureOutput:  true,
		},
		Safety: SafetyConfig{SafeMode: true, AllowedQueryMethods: DefaultAllowedQueryMethods},
		Pool:   PoolConfig{Capacity: 4, CompactionRate: 0.05},
		Audit:  AuditConfig{QueueSize: 16},
	}
}

func TestConfigValidation(t *testing.T) {
	require.NoError(t, validConfig().validate())

	tests := []struct {
		name     string
		mutate   func(c *Config)
		expected string
	}{
		{"InvalidServerTransport", func(c *Config) { c.Server.Transport = "invalid" }, "invalid server.transport"},
		{"InvalidHTTPPort", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid server.http_port"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "verbose" }, "invalid logging.mode"},
		{"InvalidSandboxTimeout", func(c *Config) { c.Sandbox.TimeoutMS = 0 }, "sandbox.timeout_ms must be positive"},
		{"MaxTimeoutBelowTimeout", func(c *Config) { c.Sandbox.MaxTimeoutMS = 10 }, "sandbox.max_timeout_ms"},
		{"InvalidMaxResults", func(c *Config) { c.Sandbox.MaxResults = 0 }, "sandbox.max_results must be positive"},
		{"NegativeOutputLimit", func(c *Config) { c.Sandbox.MaxOutputBytes = -1 }, "sandbox.max_output_bytes"},
		{"InvalidPoolCapacity", func(c *Config) { c.Pool.Capacity = 0 }, "pool.capacity must be positive"},
		{"MaxOpenConnsBelowCapacity", func(c *Config) { c.Database.MaxOpenConns = 3 }, "database.max_open_conns (3) must be at least pool.capacity (4)"},
		{"InvalidCompactionRate", func(c *Config) { c.Pool.CompactionRate = 1.5 }, "pool.compaction_rate"},
		{"InvalidRuleSeverity", func(c *Config) {
			c.Safety.CustomRules = []safety.Rule{{Pattern: "x", Severity: "fatal"}}
		}, "safety.custom_rules[0]"},
		{"InvalidQueueSize", func(c *Config) { c.Audit.QueueSize = 0 }, "audit.queue_size must be positive"},
		{"RedisWithoutStream", func(c *Config) { c.Audit.Redis = RedisConfig{Enabled: true} }, "audit.redis.stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expected)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "production", cfg.Logging.Mode)
	assert.True(t, cfg.Safety.SafeMode)
	assert.True(t, cfg.Sandbox.CaptureOutput)
	assert.Equal(t, 5*time.Second, cfg.GetTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetMaxTimeout())
	assert.Equal(t, DefaultAllowedQueryMethods, cfg.Safety.AllowedQueryMethods)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 256, cfg.Audit.QueueSize)
	assert.Empty(t, cfg.Models())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  transport: http
  http_port: 9000
sandbox:
  timeout_ms: 250
  max_results: 5
safety:
  safe_mode: false
  custom_rules:
    - pattern: '\bUser\s*\.\s*destroy\b'
      description: user removal
      severity: high
catalog:
  models:
    - name: User
      table: users
  allowed_models: [User]
database:
  driver: postgres
  dsn: postgres://localhost/app
  conn_max_lifetime_sec: 60
`), 0o600))

	t.Setenv("CONSOLEBOX_SANDBOX_MAX_RESULTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 250*time.Millisecond, cfg.GetTimeout())
	assert.Equal(t, 7, cfg.Sandbox.MaxResults)
	assert.False(t, cfg.Safety.SafeMode)
	require.Len(t, cfg.Safety.CustomRules, 1)
	assert.Equal(t, safety.SeverityHigh, cfg.Safety.CustomRules[0].Severity)

	models := cfg.Models()
	require.Len(t, models, 1)
	assert.Equal(t, "User", models[0].Name)
	assert.Equal(t, "users", models[0].Table)

	db := cfg.CatalogDatabase()
	assert.Equal(t, "postgres", db.Driver)
	assert.Equal(t, time.Minute, db.ConnMaxLifetime)

	exec := cfg.ExecutorConfig()
	assert.Equal(t, 250*time.Millisecond, exec.DefaultTimeout)
	assert.Equal(t, 7, exec.MaxResults)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  transport: carrier-pigeon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation error")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEngineSettings(t *testing.T) {
	rulesFile := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte(`
rules:
  - pattern: '\bpayroll\b'
    description: payroll access
    severity: critical
`), 0o600))

	cfg := validConfig()
	cfg.Safety.CustomRules = []safety.Rule{{Pattern: `\bsecret\b`, Description: "secret access"}}
	cfg.Safety.RulesFile = rulesFile
	cfg.Catalog.AllowedModels = []string{"User"}

	settings, err := cfg.EngineSettings()
	require.NoError(t, err)
	assert.NotNil(t, settings.Rules)
	require.Len(t, settings.CustomRules, 2)
	assert.Equal(t, safety.SeverityCustom, settings.CustomRules[0].Severity)
	assert.Equal(t, safety.SeverityCritical, settings.CustomRules[1].Severity)
	assert.True(t, settings.SafeModeDefault)
	assert.Equal(t, 5*time.Second, settings.TimeoutDefault)
	assert.Equal(t, []string{"User"}, settings.AllowedModels)

	a := safety.Analyze("Payroll.count() -- payroll", settings.Rules, settings.CustomRules, safety.Mode{SafeMode: true})
	assert.False(t, a.Safe)
	assert.True(t, a.HasCritical())

	t.Run("InvalidPattern", func(t *testing.T) {
		cfg := validConfig()
		cfg.Safety.CustomRules = []safety.Rule{{Pattern: "(", Description: "broken"}}
		_, err := cfg.EngineSettings()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "compiling custom rules")
	})

	t.Run("MissingRulesFile", func(t *testing.T) {
		cfg := validConfig()
		cfg.Safety.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := cfg.EngineSettings()
		require.Error(t, err)
	})
}
