package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/isdmx/consolebox/audit"
	"github.com/isdmx/consolebox/catalog"
	"github.com/isdmx/consolebox/config"
	"github.com/isdmx/consolebox/engine"
	"github.com/isdmx/consolebox/mcpserver"
	"github.com/isdmx/consolebox/pool"
	"github.com/isdmx/consolebox/sandbox"
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newDatabase(cfg *config.Config, logger *zap.Logger) (*gorm.DB, *sql.DB, error) {
	db, err := catalog.Open(cfg.CatalogDatabase(), logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return db, sqlDB, nil
}

func newCatalog(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*catalog.Catalog, error) {
	return catalog.New(db, cfg.Models(), logger)
}

// newConnPool leases one database connection per admitted execution.
func newConnPool(cfg *config.Config, sqlDB *sql.DB, metrics *engine.Metrics, logger *zap.Logger) (*pool.Pool[*sql.Conn], error) {
	return pool.New[*sql.Conn](
		pool.Config{Capacity: cfg.Pool.Capacity},
		catalog.ConnFactory{DB: sqlDB},
		pool.WithLogger(logger),
		pool.WithCompaction(
			pool.Probabilistic{Rate: cfg.Pool.CompactionRate},
			catalog.IdleCompactor{DB: sqlDB, MaxIdle: cfg.Database.MaxIdleConns},
		),
		pool.WithObserver(metrics.ObserveLeases),
	)
}

// newAuditSink builds the configured sinks. At least the log sink is kept
// so audit entries are never silently discarded.
func newAuditSink(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (audit.Sink, error) {
	var sinks []audit.Sink
	closeAll := func(err error) (audit.Sink, error) {
		return nil, multierr.Append(err, audit.Multi(sinks...).Close())
	}

	if cfg.Audit.File != "" {
		sink, err := audit.NewFileSink(cfg.Audit.File)
		if err != nil {
			return closeAll(err)
		}
		sinks = append(sinks, sink)
	}

	if cfg.Audit.Database {
		sink, err := audit.NewDBSink(db)
		if err != nil {
			return closeAll(err)
		}
		sinks = append(sinks, sink)
	}

	if cfg.Audit.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Audit.Redis.Addr,
			Password: cfg.Audit.Redis.Password,
			DB:       cfg.Audit.Redis.DB,
		})
		sinks = append(sinks, audit.NewRedisSink(client, cfg.Audit.Redis.Stream, cfg.Audit.Redis.MaxLen))
	}

	if cfg.Audit.Log || len(sinks) == 0 {
		sinks = append(sinks, audit.NewLogSink(logger.Named("audit")))
	}

	return audit.Multi(sinks...), nil
}

func newRecorder(cfg *config.Config, sink audit.Sink, metrics *engine.Metrics, logger *zap.Logger) *audit.Recorder {
	return audit.NewRecorder(sink, logger, cfg.RecorderConfig(), audit.WithDropObserver(metrics.AuditDropped))
}

func newExecutor(cfg *config.Config, logger *zap.Logger) (*sandbox.Executor, error) {
	return sandbox.NewExecutorForTransport(logger, cfg.ExecutorConfig(), cfg.Server.Transport)
}

func newService(
	cfg *config.Config,
	logger *zap.Logger,
	executor *sandbox.Executor,
	cat *catalog.Catalog,
	conns *pool.Pool[*sql.Conn],
	recorder *audit.Recorder,
	metrics *engine.Metrics,
) (*engine.Service, error) {
	settings, err := cfg.EngineSettings()
	if err != nil {
		return nil, err
	}

	scope := engine.PoolScope(conns, func(ctx context.Context, conn *sql.Conn) []sandbox.Capability {
		return []sandbox.Capability{cat.Bind(ctx, conn)}
	})

	return engine.New(logger, settings, executor,
		engine.WithScope(scope),
		engine.WithRecorder(recorder),
		engine.WithModels(cat),
		engine.WithMetrics(metrics),
	)
}

func newMCPServer(cfg *config.Config, logger *zap.Logger, service *engine.Service, cat *catalog.Catalog) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, logger, service, cat)
}
