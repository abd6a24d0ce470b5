package concurrency

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	// ErrPoolClosed is returned by Submit when the pool is not running.
	ErrPoolClosed = errors.New("worker pool is not running")

	// ErrPoolFull is returned by Submit when the task queue is full (backpressure).
	ErrPoolFull = errors.New("worker pool queue is full")
)

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	Workers   int // Number of worker goroutines
	QueueSize int // Task queue size
	Logger    Logger
}

// DefaultWorkerPoolConfig returns default worker pool configuration.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:   10,
		QueueSize: 1000,
	}
}

// WorkerPool runs blocking tasks off the event loops.
//
// Stop lets the workers drain what is already queued with a cancelled
// context, so every accepted task is executed exactly once.
type WorkerPool struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  Logger
}

// NewWorkerPool creates a stopped WorkerPool; call Start before Submit.
func NewWorkerPool(ctx context.Context, config WorkerPoolConfig) *WorkerPool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 100
	}
	if config.Logger == nil {
		config.Logger = nopLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		workers: config.Workers,
		tasks:   make(chan Task, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return fmt.Errorf("worker pool is already running")
	}
	if wp.ctx.Err() != nil {
		return fmt.Errorf("worker pool has been stopped")
	}

	wp.running = true
	wp.wg.Add(wp.workers)
	for i := 0; i < wp.workers; i++ {
		go wp.worker(i)
	}
	return nil
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for task := range wp.tasks {
		wp.execute(id, task)
	}
}

func (wp *WorkerPool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("worker %d: task %s panicked: %v\n%s", id, task.Name(), r, debug.Stack())
		}
	}()
	if err := task.Execute(wp.ctx); err != nil {
		wp.logger.Errorf("worker %d: task %s failed: %v", id, task.Name(), err)
	}
}

// Submit queues task without blocking.
func (wp *WorkerPool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrPoolClosed
	}
	select {
	case wp.tasks <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop cancels the pool context, closes the queue and waits for the workers
// to drain it, or for ctx to expire.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		wp.cancel()
		return nil
	}
	wp.running = false
	wp.cancel()
	close(wp.tasks)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// IsRunning reports whether the pool accepts tasks.
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}
