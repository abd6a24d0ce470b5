// Package db manages a database/sql connection pool as a verticle.
//
// The postgres (lib/pq), pgx (jackc/pgx stdlib) and sqlite3 (mattn) drivers
// are registered by importing this package.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"github.com/fluxorio/verticle/pkg/core"
)

var (
	ErrInvalidPoolConfig = &core.Error{Code: "INVALID_POOL_CONFIG", Message: "invalid pool configuration"}
	ErrPoolClosed        = &core.Error{Code: "POOL_CLOSED", Message: "pool is closed"}
)

func invalidConfig(format string, args ...interface{}) error {
	return &core.Error{Code: ErrInvalidPoolConfig.Code, Message: fmt.Sprintf(format, args...)}
}

// PoolConfig configures a connection pool.
type PoolConfig struct {
	// DriverName is "postgres", "pgx" or "sqlite3". "postgresql" and
	// "sqlite" are accepted as aliases.
	DriverName string
	DSN        string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// PingTimeout bounds the connectivity check in Open.
	PingTimeout time.Duration
}

// DefaultPoolConfig returns the default pool sizing for driver and dsn.
func DefaultPoolConfig(driverName, dsn string) PoolConfig {
	return PoolConfig{
		DriverName:      driverName,
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

var driverAliases = map[string]string{
	"postgres":   "postgres",
	"postgresql": "postgres",
	"pgx":        "pgx",
	"sqlite3":    "sqlite3",
	"sqlite":     "sqlite3",
}

// Validate checks the configuration without connecting. For the pgx driver
// the DSN is parsed as well.
func (c PoolConfig) Validate() error {
	var errs error
	driver, ok := driverAliases[c.DriverName]
	if !ok {
		errs = multierr.Append(errs, invalidConfig("unsupported driver %q", c.DriverName))
	}
	if c.DSN == "" {
		errs = multierr.Append(errs, invalidConfig("DSN cannot be empty"))
	} else if driver == "pgx" {
		if _, err := pgx.ParseConfig(c.DSN); err != nil {
			errs = multierr.Append(errs, invalidConfig("invalid pgx DSN: %v", err))
		}
	}
	if c.MaxOpenConns <= 0 {
		errs = multierr.Append(errs, invalidConfig("MaxOpenConns must be positive"))
	}
	if c.MaxIdleConns < 0 {
		errs = multierr.Append(errs, invalidConfig("MaxIdleConns cannot be negative"))
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		errs = multierr.Append(errs, invalidConfig("MaxIdleConns cannot exceed MaxOpenConns"))
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		errs = multierr.Append(errs, invalidConfig("connection lifetimes cannot be negative"))
	}
	return errs
}

// Pool is an open, verified connection pool.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// Open validates config, opens the pool and pings it.
func Open(ctx context.Context, config PoolConfig) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 5 * time.Second
	}

	db, err := sql.Open(driverAliases[config.DriverName], config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", config.DriverName, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", config.DriverName, err)
	}
	return &Pool{db: db, config: config}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB { return p.db }

func (p *Pool) Config() PoolConfig { return p.config }

func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

// Tx runs fn in a transaction, committing when fn returns nil and rolling
// back otherwise.
func (p *Pool) Tx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) (err error) {
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			err = multierr.Append(err, ignoreDone(tx.Rollback()))
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func ignoreDone(err error) error {
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func (p *Pool) Close() error {
	return p.db.Close()
}
