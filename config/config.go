package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/consolebox/audit"
	"github.com/isdmx/consolebox/catalog"
	"github.com/isdmx/consolebox/engine"
	"github.com/isdmx/consolebox/safety"
	"github.com/isdmx/consolebox/sandbox"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Database DatabaseConfig `mapstructure:"database"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds executor limits and defaults
type SandboxConfig struct {
	TimeoutMS      int  `mapstructure:"timeout_ms"`
	MaxTimeoutMS   int  `mapstructure:"max_timeout_ms"`
	MaxResults     int  `mapstructure:"max_results"`
	MaxOutputBytes int  `mapstructure:"max_output_bytes"`
	CaptureOutput  bool `mapstructure:"capture_output"`
}

// SafetyConfig holds classification settings
type SafetyConfig struct {
	SafeMode            bool          `mapstructure:"safe_mode"`
	RulesFile           string        `mapstructure:"rules_file"`
	CustomRules         []safety.Rule `mapstructure:"custom_rules"`
	AllowedQueryMethods []string      `mapstructure:"allowed_query_methods"`
}

// PoolConfig sizes the execution slot pool
type PoolConfig struct {
	Capacity       int     `mapstructure:"capacity"`
	CompactionRate float64 `mapstructure:"compaction_rate"`
}

// DatabaseConfig holds the application database connection
type DatabaseConfig struct {
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSec int    `mapstructure:"conn_max_lifetime_sec"`
}

// ModelConfig registers one table as a scriptable model
type ModelConfig struct {
	Name  string `mapstructure:"name"`
	Table string `mapstructure:"table"`
}

// CatalogConfig lists the models exposed to snippets
type CatalogConfig struct {
	Models        []ModelConfig `mapstructure:"models"`
	AllowedModels []string      `mapstructure:"allowed_models"`
}

// RedisConfig holds the audit stream connection
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// AuditConfig selects the audit sinks and sizes the recording queue
type AuditConfig struct {
	File           string      `mapstructure:"file"`
	Database       bool        `mapstructure:"database"`
	Log            bool        `mapstructure:"log"`
	Redis          RedisConfig `mapstructure:"redis"`
	QueueSize      int         `mapstructure:"queue_size"`
	WriteTimeoutMS int         `mapstructure:"write_timeout_ms"`
}

// MetricsConfig holds the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultAllowedQueryMethods are the model accessors callable through safe queries.
var DefaultAllowedQueryMethods = []string{
	"all", "count", "first", "last", "find", "find_by", "where", "pluck", "ids",
	"exists", "sum", "average", "minimum", "maximum", "columns",
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or from config.yaml in . and
// ./config when path is empty. Environment variables prefixed CONSOLEBOX_
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CONSOLEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.timeout_ms", 5000)
	v.SetDefault("sandbox.max_timeout_ms", 30000)
	v.SetDefault("sandbox.max_results", 100)
	v.SetDefault("sandbox.max_output_bytes", 64*1024)
	v.SetDefault("sandbox.capture_output", true)

	v.SetDefault("safety.safe_mode", true)
	v.SetDefault("safety.rules_file", "")
	v.SetDefault("safety.allowed_query_methods", DefaultAllowedQueryMethods)

	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.compaction_rate", 0.05)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "consolebox.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime_sec", 300)

	v.SetDefault("audit.file", "")
	v.SetDefault("audit.database", false)
	v.SetDefault("audit.log", true)
	v.SetDefault("audit.redis.enabled", false)
	v.SetDefault("audit.redis.addr", "localhost:6379")
	v.SetDefault("audit.redis.stream", "consolebox:audit")
	v.SetDefault("audit.redis.max_len", 100000)
	v.SetDefault("audit.queue_size", 256)
	v.SetDefault("audit.write_timeout_ms", 5000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if c.Sandbox.TimeoutMS <= 0 {
		return fmt.Errorf("sandbox.timeout_ms must be positive, got: %d", c.Sandbox.TimeoutMS)
	}

	if c.Sandbox.MaxTimeoutMS < c.Sandbox.TimeoutMS {
		return fmt.Errorf("sandbox.max_timeout_ms must be at least sandbox.timeout_ms, got: %d", c.Sandbox.MaxTimeoutMS)
	}

	if c.Sandbox.MaxResults <= 0 {
		return fmt.Errorf("sandbox.max_results must be positive, got: %d", c.Sandbox.MaxResults)
	}

	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive, got: %d", c.Pool.Capacity)
	}

	// every leased slot pins one database connection
	if c.Database.MaxOpenConns > 0 && c.Database.MaxOpenConns < c.Pool.Capacity {
		return fmt.Errorf("database.max_open_conns (%d) must be at least pool.capacity (%d)",
			c.Database.MaxOpenConns, c.Pool.Capacity)
	}

	if c.Pool.CompactionRate < 0 || c.Pool.CompactionRate > 1 {
		return fmt.Errorf("pool.compaction_rate must be within [0, 1], got: %v", c.Pool.CompactionRate)
	}

	for i, r := range c.Safety.CustomRules {
		if _, err := safety.ParseSeverity(string(r.Severity)); err != nil {
			return fmt.Errorf("safety.custom_rules[%d]: %w", i, err)
		}
	}

	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit.queue_size must be positive, got: %d", c.Audit.QueueSize)
	}

	if c.Audit.Redis.Enabled && c.Audit.Redis.Stream == "" {
		return fmt.Errorf("audit.redis.stream is required when redis auditing is enabled")
	}

	return nil
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutMS) * time.Millisecond
}

// GetMaxTimeout returns the execution timeout ceiling as a duration
func (c *Config) GetMaxTimeout() time.Duration {
	return time.Duration(c.Sandbox.MaxTimeoutMS) * time.Millisecond
}

// ExecutorConfig returns the sandbox executor limits.
func (c *Config) ExecutorConfig() *sandbox.Config {
	return &sandbox.Config{
		DefaultTimeout: c.GetTimeout(),
		MaxTimeout:     c.GetMaxTimeout(),
		MaxResults:     c.Sandbox.MaxResults,
		MaxOutputBytes: c.Sandbox.MaxOutputBytes,
	}
}

// EngineSettings resolves the engine settings, compiling custom rules from
// the configuration followed by those of safety.rules_file.
func (c *Config) EngineSettings() (engine.Settings, error) {
	rules := append([]safety.Rule(nil), c.Safety.CustomRules...)

	if c.Safety.RulesFile != "" {
		fileRules, err := safety.LoadRulesFile(c.Safety.RulesFile)
		if err != nil {
			return engine.Settings{}, err
		}
		rules = append(rules, fileRules...)
	}

	custom, err := safety.Compile(rules)
	if err != nil {
		return engine.Settings{}, fmt.Errorf("compiling custom rules: %w", err)
	}

	return engine.Settings{
		Rules:                safety.DefaultRuleSet(),
		CustomRules:          custom,
		SafeModeDefault:      c.Safety.SafeMode,
		CaptureOutputDefault: c.Sandbox.CaptureOutput,
		TimeoutDefault:       c.GetTimeout(),
		MaxTimeout:           c.GetMaxTimeout(),
		MaxResults:           c.Sandbox.MaxResults,
		AllowedQueryMethods:  c.Safety.AllowedQueryMethods,
		AllowedModels:        c.Catalog.AllowedModels,
	}, nil
}

// CatalogDatabase returns the database connection settings.
func (c *Config) CatalogDatabase() catalog.DatabaseConfig {
	return catalog.DatabaseConfig{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.Database.ConnMaxLifetimeSec) * time.Second,
	}
}

// Models returns the registered catalog models.
func (c *Config) Models() []catalog.Model {
	models := make([]catalog.Model, len(c.Catalog.Models))
	for i, m := range c.Catalog.Models {
		models[i] = catalog.Model{Name: m.Name, Table: m.Table}
	}
	return models
}

// RecorderConfig returns the audit queue sizing.
func (c *Config) RecorderConfig() audit.RecorderConfig {
	return audit.RecorderConfig{
		QueueSize:    c.Audit.QueueSize,
		WriteTimeout: time.Duration(c.Audit.WriteTimeoutMS) * time.Millisecond,
	}
}
