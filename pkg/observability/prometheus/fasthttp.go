package prometheus

import (
	"time"

	"github.com/valyala/fasthttp"
)

// FastHTTPMiddleware wraps a fasthttp handler and records request count
// and duration on m.
func FastHTTPMiddleware(m *Metrics) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			m.RecordHTTPRequest(string(ctx.Method()), ctx.Response.StatusCode(), time.Since(start))
		}
	}
}
