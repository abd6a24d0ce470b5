package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxorio/verticle/pkg/core"
)

const (
	// ReadyAddress receives a PoolStats publication once the pool is open.
	ReadyAddress = "database.ready"

	// StatsAddress answers requests with the current PoolStats.
	StatsAddress = "database.stats"
)

// PoolStats is the bus form of sql.DBStats.
type PoolStats struct {
	Driver          string `json:"driver"`
	MaxOpenConns    int    `json:"max_open_conns"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
}

// DatabaseVerticle owns a Pool for the lifetime of its deployment.
//
// The pool is opened and pinged on the worker pool during AsyncStart, so an
// unreachable database fails the deployment instead of the first query.
type DatabaseVerticle struct {
	*core.BaseVerticle

	config PoolConfig

	mu   sync.RWMutex
	pool *Pool
}

func NewDatabaseVerticle(config PoolConfig) *DatabaseVerticle {
	return &DatabaseVerticle{
		BaseVerticle: core.NewBaseVerticle("database"),
		config:       config,
	}
}

// Pool returns the open pool, or ErrPoolClosed when not deployed.
func (v *DatabaseVerticle) Pool() (*Pool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.pool == nil {
		return nil, ErrPoolClosed
	}
	return v.pool, nil
}

func (v *DatabaseVerticle) stats() PoolStats {
	v.mu.RLock()
	pool := v.pool
	v.mu.RUnlock()
	if pool == nil {
		return PoolStats{Driver: v.config.DriverName}
	}
	s := pool.Stats()
	return PoolStats{
		Driver:          v.config.DriverName,
		MaxOpenConns:    s.MaxOpenConnections,
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
	}
}

func (v *DatabaseVerticle) AsyncStart(ctx core.FluxorContext, startPromise core.Promise) {
	if err := v.config.Validate(); err != nil {
		startPromise.Fail(err)
		return
	}

	var opened *Pool
	ctx.ExecuteBlocking(func(c context.Context) error {
		pool, err := Open(c, v.config)
		if err != nil {
			return err
		}
		opened = pool
		v.mu.Lock()
		v.pool = pool
		v.mu.Unlock()

		// AsyncStop never runs for a deployment that failed or timed out
		// during start; the pool is closed with the deployment context.
		context.AfterFunc(c, func() {
			if err := v.release(pool); err != nil {
				ctx.Logger().Warnf("close abandoned pool: %v", err)
			}
		})
		return nil
	}).OnComplete(func(err error) {
		if err != nil {
			startPromise.Fail(err)
			return
		}
		if err := ctx.Context().Err(); err != nil {
			startPromise.Fail(fmt.Errorf("database pool abandoned: %w", core.ErrContextClosed))
			return
		}

		if _, err := v.Consumer(StatsAddress, func(_ core.FluxorContext, msg core.Message) error {
			return msg.Reply(v.stats())
		}); err != nil {
			_ = v.release(opened)
			startPromise.Fail(fmt.Errorf("register %s: %w", StatsAddress, err))
			return
		}
		if err := v.Publish(ReadyAddress, v.stats()); err != nil {
			ctx.Logger().Warnf("failed to announce database readiness: %v", err)
		}
		ctx.Logger().Infof("database pool open (driver=%s, max_open=%d)", v.config.DriverName, v.config.MaxOpenConns)
		startPromise.Complete()
	})
}

func (v *DatabaseVerticle) AsyncStop(ctx core.FluxorContext, stopPromise core.Promise) {
	v.mu.RLock()
	pool := v.pool
	v.mu.RUnlock()
	if pool == nil {
		stopPromise.Complete()
		return
	}

	ctx.ExecuteBlocking(func(context.Context) error {
		return v.release(pool)
	}).OnComplete(func(err error) {
		if err != nil {
			stopPromise.Fail(fmt.Errorf("close pool: %w", err))
			return
		}
		stopPromise.Complete()
	})
}

// release closes pool if it is still the verticle's pool.
func (v *DatabaseVerticle) release(pool *Pool) error {
	v.mu.Lock()
	if v.pool != pool {
		v.mu.Unlock()
		return nil
	}
	v.pool = nil
	v.mu.Unlock()
	return pool.Close()
}
