package web

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
	"github.com/fluxorio/unitpool/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type fakeStatus struct {
	stats pool.Stats
}

func (f *fakeStatus) Name() string      { return "bsp" }
func (f *fakeStatus) Stats() pool.Stats { return f.stats }
func (f *fakeStatus) IsAvailable() bool { return f.stats.Available }

// startServer serves s on an in-memory listener and returns a client for it
func startServer(t *testing.T, s *Server) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
}

func get(t *testing.T, c *fasthttp.Client, path string, headers ...string) (int, string, *fasthttp.ResponseHeader) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://status" + path)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	require.NoError(t, c.Do(req, resp))

	var header fasthttp.ResponseHeader
	resp.Header.CopyTo(&header)
	return resp.StatusCode(), string(resp.Body()), &header
}

func TestServer_Stats(t *testing.T) {
	status := &fakeStatus{stats: pool.Stats{Slots: 3, Busy: 1, Queued: 2, Available: true, Target: 3}}
	c := startServer(t, NewServer(status, nil, core.NewNopLogger(), DefaultConfig("")))

	code, body, header := get(t, c, "/stats")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "application/json", string(header.ContentType()))
	assert.NotEmpty(t, header.Peek(HeaderRequestID))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "bsp", got["pool"])
	assert.Equal(t, float64(3), got["slots"])
	assert.Equal(t, float64(1), got["busy"])
}

func TestServer_Health(t *testing.T) {
	status := &fakeStatus{stats: pool.Stats{Available: true}}
	c := startServer(t, NewServer(status, nil, core.NewNopLogger(), DefaultConfig("")))

	code, body, _ := get(t, c, "/healthz")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "ok", body)

	status.stats = pool.Stats{Available: false, DegradeReason: "respawn limit of 5 reached"}
	code, body, _ = get(t, c, "/healthz")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)
	assert.Equal(t, "respawn limit of 5 reached", body)
}

func TestServer_NotFound(t *testing.T) {
	c := startServer(t, NewServer(&fakeStatus{}, nil, core.NewNopLogger(), DefaultConfig("")))

	code, _, _ := get(t, c, "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, code)
}

func TestServer_RequestIDEchoed(t *testing.T) {
	c := startServer(t, NewServer(&fakeStatus{}, nil, core.NewNopLogger(), DefaultConfig("")))

	_, _, header := get(t, c, "/stats", HeaderRequestID, "req-42")
	assert.Equal(t, "req-42", string(header.Peek(HeaderRequestID)))
}

func TestServer_MetricsEndpoint(t *testing.T) {
	c := startServer(t, NewServer(&fakeStatus{}, prometheus.GetMetrics(), core.NewNopLogger(), DefaultConfig("")))

	code, _, _ := get(t, c, "/stats")
	require.Equal(t, fasthttp.StatusOK, code)

	code, body, _ := get(t, c, "/metrics")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, body, `unitpool_http_requests_total{method="GET",path="/stats",service="unitpool",status="2xx"} 1`)
}

func TestRecovery(t *testing.T) {
	r := NewRouter()
	r.Use(RequestID())
	r.Use(Recovery(core.NewNopLogger()))
	r.GET("/boom", func(ctx *RequestContext) error { panic("boom") })

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/boom")
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	r.ServeFastHTTP(&ctx)

	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "internal_server_error")
}

func TestRequestContext_JSONRejectsBadStatus(t *testing.T) {
	ctx := &RequestContext{RequestCtx: &fasthttp.RequestCtx{}}
	assert.Error(t, ctx.JSON(999, "x"))
	assert.Error(t, ctx.JSON(0, "x"))
	assert.NoError(t, ctx.JSON(fasthttp.StatusOK, map[string]int{"a": 1}))
}
