package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseConfig selects the driver and sizing of the application database.
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the configured database and applies the pool limits.
func Open(cfg DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}

// ConnFactory leases dedicated connections from the database pool, one per
// admitted execution.
type ConnFactory struct {
	DB *sql.DB
}

// Open takes a dedicated connection.
func (f ConnFactory) Open(ctx context.Context) (*sql.Conn, error) {
	conn, err := f.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("leasing database connection: %w", err)
	}
	return conn, nil
}

// Close returns the connection to the database pool.
func (f ConnFactory) Close(conn *sql.Conn) error {
	return conn.Close()
}

// IdleCompactor drops idle database connections by briefly lowering the idle
// limit to zero, then restoring it.
type IdleCompactor struct {
	DB      *sql.DB
	MaxIdle int
}

// database/sql's default idle limit
const defaultMaxIdle = 2

// Compact releases idle connections.
func (c IdleCompactor) Compact(_ context.Context) error {
	maxIdle := c.MaxIdle
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	c.DB.SetMaxIdleConns(0)
	c.DB.SetMaxIdleConns(maxIdle)
	return nil
}
