package web

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/verticle/pkg/core"
)

// RequestContext wraps a fasthttp request with the FluxorContext of the
// verticle serving it.
//
// Handlers run on fasthttp's goroutines, not on the verticle's event loop;
// use Fluxor.RunOnContext to touch verticle state.
type RequestContext struct {
	*fasthttp.RequestCtx
	Fluxor core.FluxorContext
	Params map[string]string
}

// Handler handles a request. A returned error becomes a 500.
type Handler func(ctx *RequestContext) error

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// JSON writes a JSON response
func (c *RequestContext) JSON(statusCode int, data interface{}) error {
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("invalid status code: %d", statusCode)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("json encode error: %w", err)
	}
	c.SetStatusCode(statusCode)
	c.SetContentType("application/json")
	c.SetBody(body)
	return nil
}

// BindJSON decodes the request body into v
func (c *RequestContext) BindJSON(v interface{}) error {
	body := c.PostBody()
	if len(body) == 0 {
		return fmt.Errorf("empty request body")
	}
	return json.Unmarshal(body, v)
}

// Text writes a plain text response
func (c *RequestContext) Text(statusCode int, text string) error {
	c.SetStatusCode(statusCode)
	c.SetContentType("text/plain; charset=utf-8")
	c.SetBodyString(text)
	return nil
}

// Param returns a path parameter
func (c *RequestContext) Param(key string) string {
	return c.Params[key]
}

// Query returns a query parameter
func (c *RequestContext) Query(key string) string {
	return string(c.QueryArgs().Peek(key))
}

type route struct {
	method  string
	parts   []string
	handler Handler
}

// Router matches method and path, with ":name" segments as parameters.
type Router struct {
	mu         sync.RWMutex
	routes     []route
	middleware []Middleware
	notFound   Handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{}
}

// Use appends middleware; it applies to routes registered afterwards.
func (r *Router) Use(m Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, m)
}

func (r *Router) GET(path string, h Handler)    { r.Route(fasthttp.MethodGet, path, h) }
func (r *Router) POST(path string, h Handler)   { r.Route(fasthttp.MethodPost, path, h) }
func (r *Router) PUT(path string, h Handler)    { r.Route(fasthttp.MethodPut, path, h) }
func (r *Router) DELETE(path string, h Handler) { r.Route(fasthttp.MethodDelete, path, h) }

// Route registers h for method and path.
func (r *Router) Route(method, path string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	r.routes = append(r.routes, route{method: method, parts: splitPath(path), handler: h})
}

// NotFound sets the handler for unmatched requests.
func (r *Router) NotFound(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notFound = h
}

// Handler returns a fasthttp handler serving the router on behalf of ctx.
func (r *Router) Handler(ctx core.FluxorContext) fasthttp.RequestHandler {
	return func(rc *fasthttp.RequestCtx) {
		req := &RequestContext{RequestCtx: rc, Fluxor: ctx, Params: map[string]string{}}

		h := r.match(string(rc.Method()), string(rc.Path()), req.Params)
		if h == nil {
			rc.Error("Not Found", fasthttp.StatusNotFound)
			return
		}
		if err := h(req); err != nil {
			rc.Error(err.Error(), fasthttp.StatusInternalServerError)
		}
	}
}

func (r *Router) match(method, path string, params map[string]string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	parts := splitPath(path)
	for _, rt := range r.routes {
		if rt.method != method || len(rt.parts) != len(parts) {
			continue
		}
		ok := true
		for i, p := range rt.parts {
			if !strings.HasPrefix(p, ":") && p != parts[i] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for i, p := range rt.parts {
			if strings.HasPrefix(p, ":") {
				params[p[1:]] = parts[i]
			}
		}
		return rt.handler
	}
	return r.notFound
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// Recovery turns a panicking handler into a 500 and logs the stack.
func Recovery(logger core.Logger) Middleware {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return func(next Handler) Handler {
		return func(ctx *RequestContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("panic serving %s %s: %v\n%s", ctx.Method(), ctx.Path(), r, debug.Stack())
					err = fmt.Errorf("internal server error")
				}
			}()
			return next(ctx)
		}
	}
}
