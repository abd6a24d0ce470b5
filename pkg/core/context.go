package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fluxorio/verticle/pkg/core/concurrency"
)

// FluxorContext is what a verticle sees of the runtime while deployed.
//
// Each deployment gets its own FluxorContext bound to its own event loop.
// Context() is cancelled when the deployment stops, fails or the runtime
// shuts down.
type FluxorContext interface {
	// Context returns the deployment's context.Context
	Context() context.Context

	// DeploymentID returns the ID of the deployment this context belongs to
	DeploymentID() string

	// EventBus returns the runtime event bus
	EventBus() EventBus

	// GoCMD returns the runtime that deployed the verticle
	GoCMD() GoCMD

	// Config returns a copy of the deployment configuration
	Config() map[string]interface{}

	// SetConfig sets a configuration value
	SetConfig(key string, value interface{})

	// RunOnContext queues fn on the deployment's event loop. It is the only
	// safe way to touch verticle state from another goroutine.
	RunOnContext(fn func()) error

	// ExecuteBlocking runs fn on the worker pool and resolves the returned
	// future on the event loop. fn receives the deployment context.
	ExecuteBlocking(fn func(ctx context.Context) error) Future

	// Logger returns a logger tagged with the deployment ID
	Logger() Logger

	// Deploy deploys a child verticle
	Deploy(verticle Verticle) (string, Future)

	// Undeploy undeploys a verticle by ID
	Undeploy(deploymentID string) Future
}

type fluxorContext struct {
	gocmd *gocmd
	dep   *deployment

	ctx    context.Context
	cancel context.CancelFunc
	logger Logger

	mu     sync.RWMutex
	config map[string]interface{}
}

func newFluxorContext(g *gocmd, dep *deployment) *fluxorContext {
	ctx, cancel := context.WithCancel(g.rootCtx)
	return &fluxorContext{
		gocmd:  g,
		dep:    dep,
		ctx:    ctx,
		cancel: cancel,
		logger: g.logger.With("deployment", dep.id, "verticle", dep.name),
		config: make(map[string]interface{}),
	}
}

func (c *fluxorContext) Context() context.Context { return c.ctx }
func (c *fluxorContext) DeploymentID() string     { return c.dep.id }
func (c *fluxorContext) EventBus() EventBus       { return c.gocmd.eventBus }
func (c *fluxorContext) GoCMD() GoCMD             { return c.gocmd }
func (c *fluxorContext) Logger() Logger           { return c.logger }

// acceptsConsumers reports whether the deployment may still register
// event bus consumers: only while starting or deployed.
func (c *fluxorContext) acceptsConsumers() bool {
	c.gocmd.mu.RLock()
	defer c.gocmd.mu.RUnlock()
	return c.dep.state == DeploymentStateStarting || c.dep.state == DeploymentStateDeployed
}

func (c *fluxorContext) Config() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.config))
	for k, v := range c.config {
		out[k] = v
	}
	return out
}

func (c *fluxorContext) SetConfig(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config[key] = value
}

func (c *fluxorContext) RunOnContext(fn func()) error {
	if fn == nil {
		return ErrInvalidHandler
	}
	if err := c.dep.loop.Execute(fn); err != nil {
		if errors.Is(err, concurrency.ErrLoopClosed) {
			return newError(ErrContextClosed.Code, "deployment %s is no longer running", c.dep.id)
		}
		return err
	}
	return nil
}

func (c *fluxorContext) ExecuteBlocking(fn func(ctx context.Context) error) Future {
	if fn == nil {
		return FailedFuture(ErrInvalidHandler)
	}
	p := NewPromise()

	task := concurrency.NewNamedTask("blocking:"+c.dep.id, func(context.Context) error {
		err := c.runBlocking(fn)
		resolve := func() {
			if err != nil {
				p.TryFail(err)
			} else {
				p.TryComplete()
			}
		}
		// Resolve on the loop; a stopped deployment has no loop to go back to.
		if c.RunOnContext(resolve) != nil {
			resolve()
		}
		return nil
	})
	if err := c.gocmd.workers.Submit(task); err != nil {
		p.TryFail(fmt.Errorf("execute blocking: %w", err))
	}
	return p.Future()
}

func (c *fluxorContext) runBlocking(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("blocking task panicked: %v", r)
		}
	}()
	return fn(c.ctx)
}

func (c *fluxorContext) Deploy(verticle Verticle) (string, Future) {
	return c.gocmd.DeployVerticleAsync(verticle)
}

func (c *fluxorContext) Undeploy(deploymentID string) Future {
	return c.gocmd.UndeployVerticleAsync(deploymentID)
}
