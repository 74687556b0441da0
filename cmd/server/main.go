package main

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/consolebox/audit"
	"github.com/isdmx/consolebox/config"
	"github.com/isdmx/consolebox/engine"
	"github.com/isdmx/consolebox/logger"
	"github.com/isdmx/consolebox/mcpserver"
	"github.com/isdmx/consolebox/pool"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,

			// Metrics
			newRegistry,
			engine.NewMetrics,

			// Storage and execution slots
			newDatabase,
			newCatalog,
			newConnPool,

			// Audit
			newAuditSink,
			newRecorder,

			// Execution
			newExecutor,
			newService,

			// MCP Server
			newMCPServer,
		),

		fx.Invoke(registerStorageHooks, registerMetricsServer, registerTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

// registerStorageHooks releases execution slots, flushes the audit queue and
// closes the database, in that order.
func registerStorageHooks(lc fx.Lifecycle, conns *pool.Pool[*sql.Conn], recorder *audit.Recorder, sqlDB *sql.DB, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			err := multierr.Combine(
				conns.Drain(ctx),
				recorder.Close(ctx),
				sqlDB.Close(),
			)
			if dropped := recorder.Dropped(); dropped > 0 {
				log.Warn("audit entries dropped during run", zap.Int64("dropped", dropped))
			}
			return err
		},
	})
}

func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	metrics := mcpserver.NewMetricsServer(cfg.Metrics.Addr, reg, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return metrics.Start()
		},
		OnStop: metrics.Shutdown,
	})
}

// registerTransport serves the configured transport in the background. The
// application shuts down when the transport ends.
func registerTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, server *mcpserver.MCPServer, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	serve := server.ServeHTTP
	if cfg.Server.Transport == "stdio" {
		serve = func() error { return server.ServeStdio(ctx) }
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := serve(); err != nil && ctx.Err() == nil {
					log.Error("transport stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				if ctx.Err() == nil {
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return server.Shutdown(stopCtx)
		},
	})
}
