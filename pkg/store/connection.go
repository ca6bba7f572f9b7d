package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/woodkill00/gatekeep/pkg/config"
)

// ConnectionManager owns the database pool and its lifecycle.
type ConnectionManager struct {
	db  *sql.DB
	cfg *config.Config
}

// NewConnectionManager opens a bounded Postgres pool and verifies
// connectivity before returning.
func NewConnectionManager(ctx context.Context, cfg *config.Config) (*ConnectionManager, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxAge)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectWait)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &ConnectionManager{db: db, cfg: cfg}, nil
}

// DB returns the underlying pool.
func (m *ConnectionManager) DB() *sql.DB {
	return m.db
}

// Stats exposes pool statistics for metrics collection.
func (m *ConnectionManager) Stats() sql.DBStats {
	return m.db.Stats()
}

// HealthCheck verifies the database is reachable.
func (m *ConnectionManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Close shuts down the pool.
func (m *ConnectionManager) Close() error {
	return m.db.Close()
}
