package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/metrics"
)

// Config holds database configuration
type Config struct {
	URL             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Retry policy for transient errors: 50ms initial, doubling, 2s ceiling,
// three attempts total.
const (
	retryAttempts     = 3
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
)

// Pool manages the single shared connection pool. All repository access goes
// through it so the retry policy and pool limits apply uniformly.
type Pool struct {
	db     *sqlx.DB
	logger *zap.Logger
	config *Config

	mu     sync.Mutex
	closed bool
}

var (
	defaultPool   *Pool
	defaultPoolMu sync.Mutex
)

// Configure creates the process-wide pool. It refuses reconfiguration while a
// live pool exists; call Shutdown first.
func Configure(config *Config, logger *zap.Logger) (*Pool, error) {
	defaultPoolMu.Lock()
	defer defaultPoolMu.Unlock()

	if defaultPool != nil && !defaultPool.closed {
		return nil, fmt.Errorf("pool already configured")
	}

	pool, err := NewPool(config, logger)
	if err != nil {
		return nil, err
	}
	defaultPool = pool
	return pool, nil
}

// NewPool opens and pings a new connection pool.
func NewPool(config *Config, logger *zap.Logger) (*Pool, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}

	rawDB, err := sqlx.Open("postgres", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rawDB.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database pool initialized",
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("idle_connections", config.IdleConnections),
	)

	return &Pool{db: rawDB, logger: logger, config: config}, nil
}

// NewPoolFromDB wraps an existing connection, used by tests with sqlmock.
func NewPoolFromDB(raw *sql.DB, logger *zap.Logger) *Pool {
	return &Pool{
		db:     sqlx.NewDb(raw, "postgres"),
		logger: logger,
		config: &Config{},
	}
}

// DB exposes the underlying sqlx handle for single-statement queries that
// need no retry wrapping.
func (p *Pool) DB() *sqlx.DB {
	return p.db
}

// retry runs fn, backing off and retrying while the error is transient.
func (p *Pool) retry(ctx context.Context, op string, fn func() error) error {
	delay := retryInitialDelay
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		metrics.DBRetries.WithLabelValues(op).Inc()
		p.logger.Warn("Transient database error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return err
}

// ExecRetry executes a statement with transient-error retry.
func (p *Pool) ExecRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := p.retry(ctx, "exec", func() error {
		var err error
		res, err = p.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// GetRetry scans a single row into dest with transient-error retry.
func (p *Pool) GetRetry(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return p.retry(ctx, "get", func() error {
		return p.db.GetContext(ctx, dest, query, args...)
	})
}

// SelectRetry scans all rows into dest with transient-error retry.
func (p *Pool) SelectRetry(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return p.retry(ctx, "select", func() error {
		return p.db.SelectContext(ctx, dest, query, args...)
	})
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (p *Pool) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

// Shutdown drains and closes the pool.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.logger.Info("Shutting down database pool")
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
