// Package web provides an HTTP server verticle built on fasthttp.
package web

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/verticle/pkg/core"
)

// DefaultGreeting is served by an HTTPVerticle without routes.
const DefaultGreeting = "Hello from Fluxor!"

// Config configures an HTTPVerticle.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown in AsyncStop.
	ShutdownTimeout time.Duration

	// Wrap decorates the final fasthttp handler (metrics, tracing).
	Wrap []func(fasthttp.RequestHandler) fasthttp.RequestHandler
}

// DefaultConfig returns the default configuration for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:            addr,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// HTTPVerticle serves a Router over fasthttp.
//
// Binding the port is blocking work, so the verticle starts asynchronously:
// the listener is opened on the worker pool and the start promise is
// completed only once the port is bound, or failed with the bind error.
// AsyncStop shuts the server down gracefully before completing.
type HTTPVerticle struct {
	*core.BaseVerticle

	config Config
	router *Router

	mu       sync.Mutex
	server   *fasthttp.Server
	listener net.Listener
	served   chan error
}

// NewHTTPVerticle creates a verticle serving router; a nil router serves
// DefaultGreeting on every path.
func NewHTTPVerticle(config Config, router *Router) *HTTPVerticle {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if router == nil {
		router = NewRouter()
		router.NotFound(func(ctx *RequestContext) error {
			return ctx.Text(fasthttp.StatusOK, DefaultGreeting)
		})
	}
	return &HTTPVerticle{
		BaseVerticle: core.NewBaseVerticle("http-verticle"),
		config:       config,
		router:       router,
	}
}

// Router returns the router; routes may be added until the verticle starts.
func (v *HTTPVerticle) Router() *Router {
	return v.router
}

func (v *HTTPVerticle) AsyncStart(ctx core.FluxorContext, startPromise core.Promise) {
	handler := v.router.Handler(ctx)
	for _, wrap := range v.config.Wrap {
		handler = wrap(handler)
	}
	server := &fasthttp.Server{
		Handler:               handler,
		ReadTimeout:           v.config.ReadTimeout,
		WriteTimeout:          v.config.WriteTimeout,
		NoDefaultServerHeader: true,
		Name:                  "fluxor",
	}

	ctx.ExecuteBlocking(func(c context.Context) error {
		ln, err := net.Listen("tcp", v.config.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", v.config.Addr, err)
		}

		served := make(chan error, 1)
		v.mu.Lock()
		v.server, v.listener, v.served = server, ln, served
		v.mu.Unlock()

		go func() { served <- server.Serve(ln) }()

		// AsyncStop never runs for a deployment that failed or timed out
		// during start, so the server goes down with its context instead.
		context.AfterFunc(c, func() {
			if err := v.release(server); err != nil {
				ctx.Logger().Warnf("HTTP server on %s: %v", ln.Addr(), err)
			}
		})
		return nil
	}).OnComplete(func(err error) {
		if err != nil {
			startPromise.Fail(err)
			return
		}
		if err := ctx.Context().Err(); err != nil {
			startPromise.Fail(fmt.Errorf("HTTP server abandoned: %w", core.ErrContextClosed))
			return
		}
		ctx.Logger().Infof("HTTP server listening on %s", v.Addr())
		startPromise.Complete()
	})
}

func (v *HTTPVerticle) AsyncStop(ctx core.FluxorContext, stopPromise core.Promise) {
	v.mu.Lock()
	server := v.server
	v.mu.Unlock()
	if server == nil {
		stopPromise.Complete()
		return
	}

	ctx.ExecuteBlocking(func(context.Context) error {
		return v.release(server)
	}).OnComplete(func(err error) {
		if err != nil {
			stopPromise.Fail(err)
			return
		}
		stopPromise.Complete()
	})
}

// release shuts server down if it is still the one being served. It is a
// no-op when the server was already released.
func (v *HTTPVerticle) release(server *fasthttp.Server) error {
	v.mu.Lock()
	if v.server != server {
		v.mu.Unlock()
		return nil
	}
	ln, served := v.listener, v.served
	v.server, v.listener, v.served = nil, nil, nil
	v.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.config.ShutdownTimeout)
	defer cancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	// Serve may not have registered the listener yet
	_ = ln.Close()
	return <-served
}

// Addr returns the bound address, or the configured one when not serving.
func (v *HTTPVerticle) Addr() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listener != nil {
		return v.listener.Addr().String()
	}
	return v.config.Addr
}
