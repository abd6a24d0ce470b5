package core

// Verticle represents a unit of deployment in Fluxor.
//
// Start is called when the verticle is deployed; once it returns nil the
// verticle is considered deployed. Stop is called when it is undeployed; once
// it returns the verticle is considered undeployed. Both run on the
// verticle's event loop and must not block it.
type Verticle interface {
	Start(ctx FluxorContext) error
	Stop(ctx FluxorContext) error
}

// AsyncVerticle is a verticle whose start or stop takes time it must not
// spend blocking the event loop (binding a listener, opening a pool).
//
// When a verticle implements AsyncVerticle the runtime calls only the async
// hooks. Returning from AsyncStart does not deploy the verticle: it is
// deployed when startPromise is completed, and failed when it is failed.
// The same holds for AsyncStop and stopPromise. Embed BaseVerticle to get
// the synchronous methods for free.
type AsyncVerticle interface {
	Verticle

	AsyncStart(ctx FluxorContext, startPromise Promise)
	AsyncStop(ctx FluxorContext, stopPromise Promise)
}

// Initializer is implemented by verticles that want their context before
// Start runs. BaseVerticle implements it.
type Initializer interface {
	Init(ctx FluxorContext)
}

// Named is implemented by verticles that report a name for logs, metrics
// and the inspector. Unnamed verticles are reported by their Go type.
type Named interface {
	Name() string
}

// StartFunc adapts a function to a Verticle with a no-op Stop.
type StartFunc func(ctx FluxorContext) error

func (f StartFunc) Start(ctx FluxorContext) error { return f(ctx) }

func (f StartFunc) Stop(ctx FluxorContext) error { return nil }

// VerticleFuncs builds a verticle from functions; nil funcs are no-ops.
type VerticleFuncs struct {
	VerticleName string
	OnStart      func(ctx FluxorContext) error
	OnStop       func(ctx FluxorContext) error
}

func (v *VerticleFuncs) Name() string { return v.VerticleName }

func (v *VerticleFuncs) Start(ctx FluxorContext) error {
	if v.OnStart == nil {
		return nil
	}
	return v.OnStart(ctx)
}

func (v *VerticleFuncs) Stop(ctx FluxorContext) error {
	if v.OnStop == nil {
		return nil
	}
	return v.OnStop(ctx)
}
