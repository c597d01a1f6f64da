package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// FastHTTPMetricsMiddleware records request count and latency for next
func FastHTTPMetricsMiddleware(m *Metrics, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if m == nil {
		m = GetMetrics()
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		m.RecordHTTPRequest(
			string(ctx.Method()),
			string(ctx.Path()),
			statusCodeString(ctx.Response.StatusCode()),
			time.Since(start),
		)
	}
}

// FastHTTPHandler serves DefaultRegistry in the Prometheus exposition format
func FastHTTPHandler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{}))
}

// statusCodeString converts status code to string
func statusCodeString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
