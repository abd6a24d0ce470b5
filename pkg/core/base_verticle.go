package core

import (
	"sync"
)

// ErrNotInitialized is returned by BaseVerticle helpers used before the
// runtime handed the verticle its context.
var ErrNotInitialized = &Error{Code: "NOT_INITIALIZED", Message: "verticle has no context yet"}

// BaseVerticle is meant to be embedded. It captures the FluxorContext in
// Init, provides no-op Start and Stop, and offers event bus helpers bound
// to the deployment.
//
//	type Greeter struct {
//		*core.BaseVerticle
//	}
//
//	func (g *Greeter) Start(ctx core.FluxorContext) error {
//		_, err := g.Consumer("greet", func(ctx core.FluxorContext, msg core.Message) error {
//			return msg.Reply("hello")
//		})
//		return err
//	}
//
// The zero value is usable.
type BaseVerticle struct {
	name string

	mu  sync.RWMutex
	ctx FluxorContext
}

// NewBaseVerticle creates a new BaseVerticle
func NewBaseVerticle(name string) *BaseVerticle {
	return &BaseVerticle{name: name}
}

// Init implements Initializer.
func (bv *BaseVerticle) Init(ctx FluxorContext) {
	bv.mu.Lock()
	defer bv.mu.Unlock()
	bv.ctx = ctx
}

func (bv *BaseVerticle) Start(ctx FluxorContext) error { return nil }

func (bv *BaseVerticle) Stop(ctx FluxorContext) error { return nil }

func (bv *BaseVerticle) Name() string {
	return bv.name
}

// Context returns the FluxorContext, or nil before Init.
func (bv *BaseVerticle) Context() FluxorContext {
	bv.mu.RLock()
	defer bv.mu.RUnlock()
	return bv.ctx
}

func (bv *BaseVerticle) EventBus() EventBus {
	if ctx := bv.Context(); ctx != nil {
		return ctx.EventBus()
	}
	return nil
}

func (bv *BaseVerticle) GoCMD() GoCMD {
	if ctx := bv.Context(); ctx != nil {
		return ctx.GoCMD()
	}
	return nil
}

func (bv *BaseVerticle) DeploymentID() string {
	if ctx := bv.Context(); ctx != nil {
		return ctx.DeploymentID()
	}
	return ""
}

// Logger returns the deployment logger, or a no-op logger before Init.
func (bv *BaseVerticle) Logger() Logger {
	if ctx := bv.Context(); ctx != nil {
		return ctx.Logger()
	}
	return NewNopLogger()
}

// Consumer registers handler on address for this deployment.
func (bv *BaseVerticle) Consumer(address string, handler MessageHandler) (Consumer, error) {
	ctx := bv.Context()
	if ctx == nil {
		return nil, ErrNotInitialized
	}
	return ctx.EventBus().Consumer(ctx, address, handler)
}

func (bv *BaseVerticle) Publish(address string, body interface{}) error {
	bus := bv.EventBus()
	if bus == nil {
		return ErrNotInitialized
	}
	return bus.Publish(address, body)
}

func (bv *BaseVerticle) Send(address string, body interface{}) error {
	bus := bv.EventBus()
	if bus == nil {
		return ErrNotInitialized
	}
	return bus.Send(address, body)
}
