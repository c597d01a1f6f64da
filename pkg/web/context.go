package web

import (
	"context"
	"fmt"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/valyala/fasthttp"
)

// RequestContext wraps a fasthttp request with response helpers
type RequestContext struct {
	RequestCtx *fasthttp.RequestCtx
	requestID  string
}

// Handler handles one request
type Handler func(ctx *RequestContext) error

// Middleware wraps a Handler
type Middleware func(next Handler) Handler

// JSON writes a JSON response - fail-fast
func (c *RequestContext) JSON(statusCode int, data interface{}) error {
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("invalid status code: %d", statusCode)
	}

	jsonData, err := core.JSONEncode(data)
	if err != nil {
		return fmt.Errorf("json encode error: %w", err)
	}

	c.RequestCtx.SetStatusCode(statusCode)
	c.RequestCtx.SetContentType("application/json")
	_, _ = c.RequestCtx.Write(jsonData)
	return nil
}

// Text writes a plain text response
func (c *RequestContext) Text(statusCode int, text string) error {
	c.RequestCtx.SetStatusCode(statusCode)
	c.RequestCtx.SetContentType("text/plain; charset=utf-8")
	_, _ = c.RequestCtx.WriteString(text)
	return nil
}

// Method returns the HTTP method
func (c *RequestContext) Method() []byte {
	return c.RequestCtx.Method()
}

// Path returns the request path
func (c *RequestContext) Path() []byte {
	return c.RequestCtx.Path()
}

// RequestID returns the request ID assigned by the RequestID middleware
func (c *RequestContext) RequestID() string {
	return c.requestID
}

// Context returns a context carrying the request ID
func (c *RequestContext) Context() context.Context {
	ctx := context.Background()
	if c.requestID != "" {
		ctx = core.WithRequestID(ctx, c.requestID)
	}
	return ctx
}
