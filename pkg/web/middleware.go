package web

import (
	"fmt"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/valyala/fasthttp"
)

// HeaderRequestID carries the request ID in both directions
const HeaderRequestID = "X-Request-ID"

// RequestID reuses the caller's X-Request-ID or generates one, and echoes it
// on the response
func RequestID() Middleware {
	return func(next Handler) Handler {
		return func(ctx *RequestContext) error {
			id := string(ctx.RequestCtx.Request.Header.Peek(HeaderRequestID))
			if id == "" {
				id = core.GenerateRequestID()
			}
			ctx.requestID = id
			ctx.RequestCtx.Response.Header.Set(HeaderRequestID, id)
			return next(ctx)
		}
	}
}

// Recovery turns a handler panic into a 500 response
func Recovery(logger core.Logger) Middleware {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return func(next Handler) Handler {
		return func(ctx *RequestContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("request_id", ctx.RequestID()).
						WithField("path", string(ctx.Path())).
						Errorf("panic recovered: %v", r)
					ctx.RequestCtx.ResetBody()
					ctx.RequestCtx.SetStatusCode(fasthttp.StatusInternalServerError)
					ctx.RequestCtx.SetContentType("application/json")
					_, _ = ctx.RequestCtx.WriteString(fmt.Sprintf(`{"error":"internal_server_error","request_id":%q}`, ctx.RequestID()))
					err = nil
				}
			}()
			return next(ctx)
		}
	}
}
