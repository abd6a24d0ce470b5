package core

import (
	"context"
	"sync"

	"github.com/fluxorio/verticle/pkg/core/failfast"
)

// Future is the read side of an asynchronous lifecycle result.
type Future interface {
	// Done is closed once the future is resolved.
	Done() <-chan struct{}

	// IsComplete reports whether the future is resolved, successfully or not.
	IsComplete() bool

	// Succeeded reports whether the future resolved without error.
	Succeeded() bool

	// Err returns the failure cause, or nil while pending or on success.
	Err() error

	// Await blocks until the future resolves or ctx is done.
	// Cancelling ctx stops the wait only; it does not fail the future.
	Await(ctx context.Context) error

	// OnComplete registers a handler called with the failure cause (nil on
	// success). Handlers registered after resolution run immediately on the
	// caller's goroutine.
	OnComplete(handler func(err error)) Future
}

// Promise is the write side: a write-once completion signal handed to
// AsyncVerticle hooks. Exactly one of Complete or Fail must be called.
type Promise interface {
	// Complete resolves the promise successfully. Panics if already resolved.
	Complete()

	// Fail resolves the promise with cause. A nil cause becomes ErrNoCause.
	// Panics if already resolved.
	Fail(cause error)

	// TryComplete is Complete that reports false instead of panicking.
	TryComplete() bool

	// TryFail is Fail that reports false instead of panicking.
	TryFail(cause error) bool

	// Future returns the read side.
	Future() Future
}

type promise struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	err      error
	handlers []func(error)
}

// NewPromise creates an unresolved promise.
func NewPromise() Promise {
	return &promise{done: make(chan struct{})}
}

// SucceededFuture returns an already completed future.
func SucceededFuture() Future {
	p := NewPromise()
	p.Complete()
	return p.Future()
}

// FailedFuture returns an already failed future.
func FailedFuture(cause error) Future {
	p := NewPromise()
	p.Fail(cause)
	return p.Future()
}

func (p *promise) Complete() {
	if !p.TryComplete() {
		failfast.Err(ErrPromiseAlreadyResolved)
	}
}

func (p *promise) Fail(cause error) {
	if !p.TryFail(cause) {
		failfast.Err(ErrPromiseAlreadyResolved)
	}
}

func (p *promise) TryComplete() bool {
	return p.resolve(nil)
}

func (p *promise) TryFail(cause error) bool {
	if cause == nil {
		cause = ErrNoCause
	}
	return p.resolve(cause)
}

func (p *promise) resolve(err error) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.err = err
	handlers := p.handlers
	p.handlers = nil
	close(p.done)
	p.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
	return true
}

func (p *promise) Future() Future {
	return p
}

func (p *promise) Done() <-chan struct{} {
	return p.done
}

func (p *promise) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

func (p *promise) Succeeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved && p.err == nil
}

func (p *promise) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *promise) Await(ctx context.Context) error {
	if p.IsComplete() {
		return p.Err()
	}
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *promise) OnComplete(handler func(err error)) Future {
	failfast.NotNil(handler, "handler")

	p.mu.Lock()
	if !p.resolved {
		p.handlers = append(p.handlers, handler)
		p.mu.Unlock()
		return p
	}
	err := p.err
	p.mu.Unlock()

	handler(err)
	return p
}
