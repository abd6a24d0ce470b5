package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/fluxorio/verticle/pkg/core/concurrency"
	"github.com/fluxorio/verticle/pkg/core/failfast"
)

// GoCMD is the main entry point for the Fluxor runtime: it deploys
// verticles, drives their lifecycle and tracks their deployment state.
type GoCMD interface {
	// EventBus returns the event bus
	EventBus() EventBus

	// DeployVerticle deploys a verticle and waits for its start phase.
	// The deployment ID is returned even when the start phase fails so the
	// failed deployment can be inspected. Cancelling ctx only stops waiting.
	DeployVerticle(ctx context.Context, verticle Verticle) (string, error)

	// DeployVerticleAsync requests deployment and returns immediately. The
	// future resolves when the verticle is deployed or has failed.
	DeployVerticleAsync(verticle Verticle) (string, Future)

	// UndeployVerticle undeploys a verticle and waits for its stop phase.
	UndeployVerticle(ctx context.Context, deploymentID string) error

	// UndeployVerticleAsync requests undeployment and returns immediately.
	UndeployVerticleAsync(deploymentID string) Future

	// State returns the state of a deployment; false if the ID is unknown
	// (never deployed, or undeployed).
	State(deploymentID string) (DeploymentState, bool)

	// Deployments returns a snapshot of all known deployments, oldest first.
	Deployments() []DeploymentInfo

	// DeploymentCount returns the number of deployed verticles
	DeploymentCount() int

	// AddListener registers a listener for deployment transitions.
	AddListener(listener DeploymentListener)

	// Logger returns the runtime logger
	Logger() Logger

	// Close shuts the runtime down, bounded by the stop timeout.
	Close() error

	// Shutdown undeploys every verticle and releases the runtime, bounded by ctx.
	Shutdown(ctx context.Context) error

	// Context returns the root context; it is cancelled on shutdown.
	Context() context.Context
}

const (
	// DefaultPhaseTimeout bounds start and stop phases unless configured.
	DefaultPhaseTimeout = 30 * time.Second

	// DefaultMaxLoopExecuteTime is the blocked event loop warning threshold.
	DefaultMaxLoopExecuteTime = 2 * time.Second
)

// GoCMDOptions configures GoCMD construction.
type GoCMDOptions struct {
	// Logger defaults to NewDefaultLogger().
	Logger Logger

	// StartTimeout bounds the start phase. Zero means DefaultPhaseTimeout,
	// negative disables the timeout.
	StartTimeout time.Duration

	// StopTimeout bounds the stop phase. Same conventions as StartTimeout.
	StopTimeout time.Duration

	// WorkerPoolSize and WorkerQueueSize size the pool behind ExecuteBlocking.
	WorkerPoolSize  int
	WorkerQueueSize int

	// LoopQueueSize bounds the pending tasks of each deployment's event loop.
	LoopQueueSize int

	// MaxLoopExecuteTime is how long a task may hold an event loop before a
	// warning is logged. Zero means DefaultMaxLoopExecuteTime, negative
	// disables the check.
	MaxLoopExecuteTime time.Duration

	// Listeners are registered before any deployment happens.
	Listeners []DeploymentListener
}

func (o GoCMDOptions) withDefaults() GoCMDOptions {
	if o.Logger == nil {
		o.Logger = NewDefaultLogger()
	}
	if o.StartTimeout == 0 {
		o.StartTimeout = DefaultPhaseTimeout
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = DefaultPhaseTimeout
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = 10
	}
	if o.WorkerQueueSize <= 0 {
		o.WorkerQueueSize = 1000
	}
	if o.LoopQueueSize <= 0 {
		o.LoopQueueSize = 1024
	}
	if o.MaxLoopExecuteTime == 0 {
		o.MaxLoopExecuteTime = DefaultMaxLoopExecuteTime
	}
	if o.MaxLoopExecuteTime < 0 {
		o.MaxLoopExecuteTime = 0
	}
	return o
}

// gocmd implements GoCMD
//
// Ownership and lifecycle:
//   - gocmd owns the EventBus, the worker pool and every deployment record
//   - each deployment owns its event loop and FluxorContext
//   - the root context is cancelled last in Shutdown
type gocmd struct {
	opts GoCMDOptions

	eventBus *eventBus
	workers  *concurrency.WorkerPool

	mu          sync.RWMutex
	deployments map[string]*deployment
	listeners   []DeploymentListener
	closed      bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	logger     Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// deployment is the runtime record of one deployed verticle.
//
// state, cause and since are guarded by gocmd.mu. The start and stop
// promises are created before the corresponding hook is dispatched.
type deployment struct {
	id       string
	name     string
	verticle Verticle

	loop      *concurrency.EventLoop
	fluxorCtx *fluxorContext

	state DeploymentState
	cause error
	since time.Time

	started *promise
	stopped *promise

	// pending holds transitions not yet delivered to listeners, guarded by
	// gocmd.mu. emitMu serializes delivery so listeners observe one
	// deployment's transitions in order.
	pending []DeploymentEvent
	emitMu  sync.Mutex
}

func (d *deployment) info() DeploymentInfo {
	return DeploymentInfo{
		ID:       d.id,
		Verticle: d.name,
		State:    d.state,
		Cause:    d.cause,
		Since:    d.since,
	}
}

// NewGoCMD creates a new GoCMD instance with default options
func NewGoCMD(ctx context.Context) GoCMD {
	g, err := NewGoCMDWithOptions(ctx, GoCMDOptions{})
	failfast.Err(err) // default construction should not fail
	return g
}

// NewGoCMDWithOptions creates a new GoCMD instance.
//
// The provided ctx becomes the parent of the root context. When the parent
// is cancelled, verticle contexts are cancelled too, but verticles are only
// stopped by Close or Shutdown.
func NewGoCMDWithOptions(ctx context.Context, opts GoCMDOptions) (GoCMD, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	opts = opts.withDefaults()

	rootCtx, rootCancel := context.WithCancel(ctx)
	g := &gocmd{
		opts:        opts,
		deployments: make(map[string]*deployment),
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		logger:      opts.Logger,
	}
	g.workers = concurrency.NewWorkerPool(rootCtx, concurrency.WorkerPoolConfig{
		Workers:   opts.WorkerPoolSize,
		QueueSize: opts.WorkerQueueSize,
		Logger:    opts.Logger,
	})
	if err := g.workers.Start(); err != nil {
		rootCancel()
		return nil, err
	}
	g.eventBus = newEventBus(opts.Logger)
	for _, l := range opts.Listeners {
		g.AddListener(l)
	}
	return g, nil
}

func (g *gocmd) EventBus() EventBus {
	return g.eventBus
}

func (g *gocmd) Logger() Logger {
	return g.logger
}

func (g *gocmd) Context() context.Context {
	return g.rootCtx
}

func (g *gocmd) AddListener(listener DeploymentListener) {
	failfast.NotNil(listener, "listener")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, listener)
}

func (g *gocmd) DeployVerticle(ctx context.Context, verticle Verticle) (string, error) {
	id, f := g.DeployVerticleAsync(verticle)
	if err := f.Await(ctx); err != nil {
		return id, err
	}
	return id, nil
}

func (g *gocmd) DeployVerticleAsync(verticle Verticle) (string, Future) {
	// Fail-fast: validate verticle immediately
	if err := ValidateVerticle(verticle); err != nil {
		return "", FailedFuture(err)
	}

	id := generateDeploymentID()
	dep := &deployment{
		id:       id,
		name:     verticleName(verticle),
		verticle: verticle,
		state:    DeploymentStateUndeployed,
		since:    time.Now(),
		started:  NewPromise().(*promise),
	}
	dep.loop = concurrency.NewEventLoop(concurrency.EventLoopConfig{
		Name:           id,
		QueueSize:      g.opts.LoopQueueSize,
		MaxExecuteTime: g.opts.MaxLoopExecuteTime,
		Logger:         g.logger,
	})
	dep.fluxorCtx = newFluxorContext(g, dep)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		dep.loop.Close()
		dep.fluxorCtx.cancel()
		return "", FailedFuture(ErrRuntimeClosed)
	}
	g.deployments[id] = dep
	g.transitionLocked(dep, DeploymentStateStarting, nil)
	g.mu.Unlock()

	g.flush(dep)
	g.logger.Debugf("deploying verticle %s as %s", dep.name, id)

	g.runPhase(dep, PhaseStart, dep.started)
	return id, dep.started
}

func (g *gocmd) UndeployVerticle(ctx context.Context, deploymentID string) error {
	return g.UndeployVerticleAsync(deploymentID).Await(ctx)
}

func (g *gocmd) UndeployVerticleAsync(deploymentID string) Future {
	// Fail-fast: validate deployment ID
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return FailedFuture(err)
	}

	g.mu.Lock()
	dep, exists := g.deployments[deploymentID]
	if !exists {
		g.mu.Unlock()
		return FailedFuture(newError(ErrDeploymentNotFound.Code, "deployment not found: %s", deploymentID))
	}

	// stop is only ever dispatched after start was acknowledged
	switch dep.state {
	case DeploymentStateStarting:
		g.mu.Unlock()
		return FailedFuture(newError(ErrDeploymentPending.Code, "cannot undeploy pending deployment: %s", deploymentID))
	case DeploymentStateStopping:
		g.mu.Unlock()
		return FailedFuture(newError(ErrDeploymentStopping.Code, "deployment already stopping: %s", deploymentID))
	case DeploymentStateFailed:
		cause := dep.cause
		g.mu.Unlock()
		return FailedFuture(newError(ErrDeploymentFailed.Code, "deployment %s has failed: %v", deploymentID, cause))
	}

	dep.stopped = NewPromise().(*promise)
	g.transitionLocked(dep, DeploymentStateStopping, nil)
	g.mu.Unlock()

	// No new work reaches the verticle once stop has been requested.
	g.eventBus.unregisterOwner(deploymentID)
	g.flush(dep)
	g.logger.Debugf("undeploying verticle %s (%s)", dep.name, deploymentID)

	g.runPhase(dep, PhaseStop, dep.stopped)
	return dep.stopped
}

func (g *gocmd) State(deploymentID string) (DeploymentState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	dep, ok := g.deployments[deploymentID]
	if !ok {
		return DeploymentStateUndeployed, false
	}
	return dep.state, true
}

func (g *gocmd) Deployments() []DeploymentInfo {
	g.mu.RLock()
	infos := make([]DeploymentInfo, 0, len(g.deployments))
	for _, dep := range g.deployments {
		infos = append(infos, dep.info())
	}
	g.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Since.Equal(infos[j].Since) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Since.Before(infos[j].Since)
	})
	return infos
}

// DeploymentCount returns the number of deployed verticles
func (g *gocmd) DeploymentCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, dep := range g.deployments {
		if dep.state == DeploymentStateDeployed {
			n++
		}
	}
	return n
}

// runPhase dispatches a lifecycle hook on the deployment's loop and settles
// the phase exactly once: on the verticle's resolution or on timeout,
// whichever comes first.
func (g *gocmd) runPhase(dep *deployment, phase Phase, result *promise) {
	hookPromise := NewPromise()

	var once sync.Once
	settle := func(err error) bool {
		settled := false
		once.Do(func() {
			settled = true
			g.finishPhase(dep, phase, err, result)
		})
		return settled
	}

	timeout := g.opts.StartTimeout
	if phase == PhaseStop {
		timeout = g.opts.StopTimeout
	}
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			if settle(ErrPhaseTimeout) {
				g.logger.Errorf("verticle %s (%s) did not resolve its %s promise within %v", dep.name, dep.id, phase, timeout)
			}
		})
	}

	hookPromise.Future().OnComplete(func(err error) {
		if timer != nil {
			timer.Stop()
		}
		if !settle(err) {
			g.logger.Warnf("verticle %s (%s) resolved its %s promise after the phase had already ended (err=%v)", dep.name, dep.id, phase, err)
		}
	})

	if err := dep.loop.Execute(func() { g.invokeHook(dep, phase, hookPromise) }); err != nil {
		hookPromise.TryFail(err)
	}
}

// invokeHook runs on the deployment's event loop.
func (g *gocmd) invokeHook(dep *deployment, phase Phase, p Promise) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorf("verticle %s (%s) panicked during %s: %v\n%s", dep.name, dep.id, phase, r, debug.Stack())
			p.TryFail(fmt.Errorf("%w: %v", ErrHookPanic, r))
		}
	}()

	ctx := dep.fluxorCtx
	if phase == PhaseStart {
		if init, ok := dep.verticle.(Initializer); ok {
			init.Init(ctx)
		}
	}

	if async, ok := dep.verticle.(AsyncVerticle); ok {
		if phase == PhaseStart {
			async.AsyncStart(ctx, p)
		} else {
			async.AsyncStop(ctx, p)
		}
		return
	}

	var err error
	if phase == PhaseStart {
		err = dep.verticle.Start(ctx)
	} else {
		err = dep.verticle.Stop(ctx)
	}
	if err != nil {
		p.TryFail(err)
		return
	}
	p.TryComplete()
}

func (g *gocmd) finishPhase(dep *deployment, phase Phase, err error, result *promise) {
	var cause error
	if err != nil {
		cause = &PhaseError{Phase: phase, DeploymentID: dep.id, Verticle: dep.name, Cause: err}
	}

	g.mu.Lock()
	switch {
	case cause != nil:
		g.transitionLocked(dep, DeploymentStateFailed, cause)
	case phase == PhaseStart:
		g.transitionLocked(dep, DeploymentStateDeployed, nil)
	default:
		g.transitionLocked(dep, DeploymentStateUndeployed, nil)
		delete(g.deployments, dep.id)
	}
	g.mu.Unlock()

	if cause != nil || phase == PhaseStop {
		g.release(dep)
	}
	g.flush(dep)

	if cause != nil {
		g.logger.Errorf("%v", cause)
		result.TryFail(cause)
		return
	}
	if phase == PhaseStart {
		g.logger.Infof("verticle %s deployed as %s", dep.name, dep.id)
	} else {
		g.logger.Infof("verticle %s (%s) undeployed", dep.name, dep.id)
	}
	result.TryComplete()
}

// release frees what the runtime holds for a deployment that will not run again.
func (g *gocmd) release(dep *deployment) {
	g.eventBus.unregisterOwner(dep.id)
	dep.fluxorCtx.cancel()
	dep.loop.Close()
}

// transitionLocked must be called with g.mu held. The event is queued on
// the deployment and delivered by flush.
func (g *gocmd) transitionLocked(dep *deployment, to DeploymentState, cause error) {
	from := dep.state
	failfast.If(from.CanTransitionTo(to), "illegal deployment transition %s -> %s for %s", from, to, dep.id)

	now := time.Now()
	ev := DeploymentEvent{
		DeploymentID: dep.id,
		Verticle:     dep.name,
		From:         from,
		To:           to,
		Cause:        cause,
		Timestamp:    now,
		Duration:     now.Sub(dep.since),
	}
	dep.state = to
	dep.cause = cause
	dep.since = now
	dep.pending = append(dep.pending, ev)
}

// flush delivers the deployment's queued transitions in order. When it
// returns, every transition queued before the call has been delivered,
// possibly by a concurrent flush. Listeners must not deploy or undeploy
// from OnDeploymentEvent.
func (g *gocmd) flush(dep *deployment) {
	dep.emitMu.Lock()
	defer dep.emitMu.Unlock()
	for {
		g.mu.Lock()
		batch := dep.pending
		dep.pending = nil
		g.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			g.emit(ev)
		}
	}
}

func (g *gocmd) emit(ev DeploymentEvent) {
	g.mu.RLock()
	listeners := make([]DeploymentListener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.RUnlock()

	for _, l := range listeners {
		g.notify(l, ev)
	}
}

func (g *gocmd) notify(l DeploymentListener, ev DeploymentEvent) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorf("deployment listener panicked on %s -> %s for %s: %v", ev.From, ev.To, ev.DeploymentID, r)
		}
	}()
	l.OnDeploymentEvent(ev)
}

func (g *gocmd) Close() error {
	timeout := g.opts.StopTimeout
	if timeout < 0 {
		timeout = DefaultPhaseTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully shuts down the GoCMD instance.
//
// Shutdown order:
//  1. Refuse new deployments
//  2. Wait for in-flight start phases to settle
//  3. Undeploy every deployed verticle and wait for all stop phases,
//     including those already in flight
//  4. Stop the worker pool, cancel the root context, close the EventBus
//
// Errors from every step are aggregated. Calling Shutdown again returns the
// first result.
func (g *gocmd) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *gocmd) shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	deps := make([]*deployment, 0, len(g.deployments))
	for _, dep := range g.deployments {
		deps = append(deps, dep)
	}
	g.mu.Unlock()

	var errs error

	for _, dep := range deps {
		if err := dep.started.Await(ctx); err != nil && ctx.Err() != nil {
			errs = multierr.Append(errs, fmt.Errorf("waiting for %s to start: %w", dep.id, err))
		}
	}

	// deployments already stopping are awaited along with the new stops
	stops := make(map[string]Future)
	for _, dep := range deps {
		g.mu.RLock()
		state, stopped := dep.state, dep.stopped
		g.mu.RUnlock()
		switch state {
		case DeploymentStateDeployed:
			stops[dep.id] = g.UndeployVerticleAsync(dep.id)
		case DeploymentStateStopping:
			stops[dep.id] = stopped
		}
	}
	for id, f := range stops {
		if err := f.Await(ctx); err != nil {
			g.logger.Warnf("failed to undeploy verticle %s during shutdown: %v", id, err)
			errs = multierr.Append(errs, err)
		}
	}

	if err := g.workers.Stop(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	g.rootCancel()

	// Anything left never reached a clean stop; make sure its loop is gone.
	for _, dep := range deps {
		dep.fluxorCtx.cancel()
		dep.loop.Close()
	}

	if err := g.eventBus.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
