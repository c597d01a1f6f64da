// Package db wraps database/sql with a validated, instrumented connection pool.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
)

// PoolConfig configures a database connection pool
type PoolConfig struct {
	// DSN is the database connection string
	DSN string `yaml:"dsn" json:"dsn"`

	// DriverName is the database/sql driver name (e.g. "sqlite3")
	DriverName string `yaml:"driver" json:"driver"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`

	// ConnMaxLifetime is the maximum amount of time a connection may be reused
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// Pragmas are executed once after the pool is opened
	Pragmas []string `yaml:"pragmas" json:"pragmas"`
}

// DefaultPoolConfig returns general purpose defaults
func DefaultPoolConfig(dsn string, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Validate checks the configuration
func (c PoolConfig) Validate() error {
	if c.DSN == "" {
		return &core.Error{Code: "INVALID_CONFIG", Message: "DSN cannot be empty"}
	}
	if c.DriverName == "" {
		return &core.Error{Code: "INVALID_CONFIG", Message: "DriverName cannot be empty"}
	}
	if c.MaxOpenConns <= 0 {
		return &core.Error{Code: "INVALID_CONFIG", Message: "MaxOpenConns must be positive"}
	}
	if c.MaxIdleConns < 0 {
		return &core.Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot be negative"}
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return &core.Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot exceed MaxOpenConns"}
	}
	if c.ConnMaxLifetime < 0 {
		return &core.Error{Code: "INVALID_CONFIG", Message: "ConnMaxLifetime cannot be negative"}
	}
	if c.ConnMaxIdleTime < 0 {
		return &core.Error{Code: "INVALID_CONFIG", Message: "ConnMaxIdleTime cannot be negative"}
	}
	return nil
}

// Pool represents a database connection pool
type Pool struct {
	db      *sql.DB
	config  PoolConfig
	metrics *prometheus.Metrics

	mu        sync.Mutex
	lastWaits int64
}

// NewPool opens and verifies a connection pool
// Fail-fast: Validates configuration before creating pool
func NewPool(ctx context.Context, config PoolConfig) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, pragma := range config.Pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &Pool{
		db:     db,
		config: config,
	}, nil
}

// SetMetrics publishes connection and query metrics to m
func (p *Pool) SetMetrics(m *prometheus.Metrics) {
	p.metrics = m
}

// DB returns the underlying *sql.DB
// Fail-fast: Panics if pool is nil (invalid state)
func (p *Pool) DB() *sql.DB {
	if p == nil || p.db == nil {
		panic("pool not initialized")
	}
	return p.db
}

// Close closes the connection pool
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return &core.Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.Close()
}

// Ping tests the connection
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	return p.db.PingContext(ctx)
}

// Stats returns pool statistics and publishes them when metrics are set
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	stats := p.db.Stats()
	if p.metrics != nil {
		p.mu.Lock()
		waits := stats.WaitCount - p.lastWaits
		p.lastWaits = stats.WaitCount
		p.mu.Unlock()
		p.metrics.UpdateDatabasePool(stats.OpenConnections, stats.Idle, stats.InUse, waits)
	}
	return stats
}

// Query executes a query that returns rows
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if err := p.checkQuery(ctx, query); err != nil {
		return nil, err
	}
	defer p.observe("query", time.Now())
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns a single row
// Fail-fast: Panics on invalid inputs
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if err := p.checkQuery(ctx, query); err != nil {
		panic(err)
	}
	defer p.observe("query_row", time.Now())
	return p.db.QueryRowContext(ctx, query, args...)
}

// Exec executes a command
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := p.checkQuery(ctx, query); err != nil {
		return nil, err
	}
	defer p.observe("exec", time.Now())
	return p.db.ExecContext(ctx, query, args...)
}

// Begin starts a transaction
func (p *Pool) Begin(ctx context.Context) (*sql.Tx, error) {
	return p.BeginTx(ctx, nil)
}

// BeginTx starts a transaction with options
func (p *Pool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	return p.db.BeginTx(ctx, opts)
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise
func (p *Pool) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	defer p.observe("tx", time.Now())
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *Pool) check(ctx context.Context) error {
	if p == nil || p.db == nil {
		return &core.Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	if ctx == nil {
		return &core.Error{Code: "INVALID_INPUT", Message: "context cannot be nil"}
	}
	return nil
}

func (p *Pool) checkQuery(ctx context.Context, query string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	if query == "" {
		return &core.Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return nil
}

func (p *Pool) observe(operation string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordDatabaseQuery(operation, time.Since(start))
	}
}
