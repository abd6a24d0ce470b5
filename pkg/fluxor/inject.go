package fluxor

import (
	"fmt"

	"github.com/fluxorio/verticle/pkg/core"
)

// withConfig wraps v so values land in its FluxorContext before any hook
// runs. The wrapper keeps v's name and, for an AsyncVerticle, its async
// hooks.
func withConfig(v core.Verticle, values map[string]interface{}) core.Verticle {
	if len(values) == 0 {
		return v
	}
	c := &configured{inner: v, values: values}
	if av, ok := v.(core.AsyncVerticle); ok {
		return &configuredAsync{configured: c, async: av}
	}
	return c
}

type configured struct {
	inner  core.Verticle
	values map[string]interface{}
}

func (v *configured) Init(ctx core.FluxorContext) {
	for k, val := range v.values {
		ctx.SetConfig(k, val)
	}
	if in, ok := v.inner.(core.Initializer); ok {
		in.Init(ctx)
	}
}

func (v *configured) Name() string {
	if n, ok := v.inner.(core.Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", v.inner)
}

func (v *configured) Start(ctx core.FluxorContext) error { return v.inner.Start(ctx) }
func (v *configured) Stop(ctx core.FluxorContext) error  { return v.inner.Stop(ctx) }

type configuredAsync struct {
	*configured
	async core.AsyncVerticle
}

func (v *configuredAsync) AsyncStart(ctx core.FluxorContext, startPromise core.Promise) {
	v.async.AsyncStart(ctx, startPromise)
}

func (v *configuredAsync) AsyncStop(ctx core.FluxorContext, stopPromise core.Promise) {
	v.async.AsyncStop(ctx, stopPromise)
}
