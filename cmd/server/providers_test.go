package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/isdmx/consolebox/audit"
	"github.com/isdmx/consolebox/config"
	"github.com/isdmx/consolebox/engine"
	"github.com/isdmx/consolebox/mcpserver"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:  config.ServerConfig{Transport: "http", HTTPPort: 8080},
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
		Sandbox: config.SandboxConfig{
			TimeoutMS:      2000,
			MaxTimeoutMS:   5000,
			MaxResults:     10,
			MaxOutputBytes: 4096,
			CaptureOutput:  true,
		},
		Safety: config.SafetyConfig{SafeMode: true, AllowedQueryMethods: config.DefaultAllowedQueryMethods},
		Pool:   config.PoolConfig{Capacity: 2, CompactionRate: 0.5},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(t.TempDir(), "app.db"),
		},
		Catalog: config.CatalogConfig{Models: []config.ModelConfig{{Name: "Note", Table: "notes"}}},
		Audit: config.AuditConfig{
			File:      filepath.Join(t.TempDir(), "audit.jsonl"),
			Database:  true,
			QueueSize: 16,
		},
	}
}

func seed(t *testing.T, cfg *config.Config) {
	t.Helper()
	db, sqlDB, err := newDatabase(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, db.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)").Error)
	require.NoError(t, db.Exec("INSERT INTO notes (body) VALUES ('one'), ('two')").Error)
	require.NoError(t, sqlDB.Close())
}

func TestApplicationWiring(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg)

	var (
		service  *engine.Service
		recorder *audit.Recorder
		db       *gorm.DB
		server   *mcpserver.MCPServer
	)
	app := fxtest.New(t,
		fx.Supply(cfg, zaptest.NewLogger(t)),
		fx.Provide(
			newRegistry,
			engine.NewMetrics,
			newDatabase,
			newCatalog,
			newConnPool,
			newAuditSink,
			newRecorder,
			newExecutor,
			newService,
			newMCPServer,
		),
		fx.Invoke(registerStorageHooks),
		fx.Populate(&service, &recorder, &db, &server),
	)
	app.RequireStart()

	ctx := context.Background()
	result, err := service.Run(ctx, "Note.count()", engine.RunOptions{Actor: "test"})
	require.NoError(t, err)
	require.True(t, result.Success, "error: %+v", result.Error)
	assert.Equal(t, "2", *result.ReturnValue)

	result, err = service.RunSafeQuery(ctx, engine.SafeQuery{Entity: "Note", Accessor: "pluck", Args: []any{"body"}})
	require.NoError(t, err)
	require.True(t, result.Success, "error: %+v", result.Error)
	assert.Equal(t, `{"one", "two"}`, *result.ReturnValue)

	_, err = service.Run(ctx, "Note.delete_all()", engine.RunOptions{})
	require.Error(t, err)

	// Stopping flushes the audit queue before the database closes.
	var written int64
	require.Eventually(t, func() bool {
		return db.Table("audit_entries").Count(&written).Error == nil && written == 3
	}, 2*time.Second, 10*time.Millisecond)

	app.RequireStop()
	assert.Zero(t, recorder.Dropped())
}

func TestNewAuditSink(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig(t)
	cfg.Audit.Database = false
	cfg.Audit.Redis = config.RedisConfig{Enabled: true, Addr: mr.Addr(), Stream: "audit", MaxLen: 10}

	sink, err := newAuditSink(cfg, nil, zap.NewNop())
	require.NoError(t, err)

	entry := audit.Entry{ID: "e1", Timestamp: time.Now(), Operation: engine.OpRun}
	require.NoError(t, sink.Write(context.Background(), entry))
	require.NoError(t, sink.Close())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	msgs, err := client.XRange(context.Background(), "audit", "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	t.Run("FallsBackToLog", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Audit = config.AuditConfig{QueueSize: 1}
		sink, err := newAuditSink(cfg, nil, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, sink.Write(context.Background(), entry))
	})

	t.Run("BadFile", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Audit.File = filepath.Join(t.TempDir(), "missing", "audit.jsonl")
		_, err := newAuditSink(cfg, nil, zap.NewNop())
		require.Error(t, err)
	})
}
