// Package store owns every interaction with the time-series database:
// connection pooling, schema bootstrap, batched raw-event writes, and
// the statistics queries behind the control plane.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns pool settings sized for the ingest workload.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Manager wraps the pooled connection.
type Manager struct {
	db     *sqlx.DB
	config Config
}

// NewManager opens and pings the database.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("store: DSN is required")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	log.Info().Int("max_open", config.MaxOpenConns).Msg("Database pool ready")
	return &Manager{db: db, config: config}, nil
}

// NewManagerFromDB wraps an existing connection, used by tests.
func NewManagerFromDB(db *sqlx.DB, timeout time.Duration) *Manager {
	return &Manager{db: db, config: Config{QueryTimeout: timeout}}
}

// DB exposes the underlying pool.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// QueryTimeout returns the per-query deadline.
func (m *Manager) QueryTimeout() time.Duration {
	if m.config.QueryTimeout <= 0 {
		return 30 * time.Second
	}
	return m.config.QueryTimeout
}

// Ping checks connectivity with a short deadline.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.db.PingContext(ctx)
}

// PoolStats returns connection pool counters for health reporting.
func (m *Manager) PoolStats() map[string]int64 {
	stats := m.db.Stats()
	return map[string]int64{
		"max_open":         int64(stats.MaxOpenConnections),
		"open":             int64(stats.OpenConnections),
		"in_use":           int64(stats.InUse),
		"idle":             int64(stats.Idle),
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
	}
}

// Close releases the pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
