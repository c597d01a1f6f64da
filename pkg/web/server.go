// Package web serves pool status over HTTP: a JSON snapshot, a health check
// and Prometheus metrics.
package web

import (
	"context"
	"net"
	"time"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
	"github.com/fluxorio/unitpool/pkg/pool"
	"github.com/valyala/fasthttp"
)

// PoolStatus is the view of a pool the status server reports
type PoolStatus interface {
	Name() string
	Stats() pool.Stats
	IsAvailable() bool
}

// Config configures the status server
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultConfig returns a configuration listening on addr
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the status HTTP server
type Server struct {
	config Config
	status PoolStatus
	logger core.Logger
	router *Router
	server *fasthttp.Server
}

// NewServer creates a status server for status. metrics may be nil, in which
// case HTTP requests are not recorded.
func NewServer(status PoolStatus, metrics *prometheus.Metrics, logger core.Logger, config Config) *Server {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	s := &Server{
		config: config,
		status: status,
		logger: logger,
		router: NewRouter(),
	}

	s.router.Use(RequestID())
	s.router.Use(Recovery(logger))
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/healthz", s.handleHealth)
	s.router.Mount("/metrics", prometheus.FastHTTPHandler())

	var handler fasthttp.RequestHandler = s.router.ServeFastHTTP
	if metrics != nil {
		handler = prometheus.FastHTTPMetricsMiddleware(metrics, handler)
	}
	s.server = &fasthttp.Server{
		Handler:               handler,
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		NoDefaultServerHeader: true,
	}
	return s
}

// Handler returns the request handler, for embedding or tests
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.server.Handler
}

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Infof("status server listening on %s", ln.Addr())
	return s.server.Serve(ln)
}

// ListenAndServe listens on the configured address until Shutdown
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for open requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}

type statsResponse struct {
	Pool string `json:"pool"`
	pool.Stats
}

func (s *Server) handleStats(ctx *RequestContext) error {
	return ctx.JSON(fasthttp.StatusOK, statsResponse{Pool: s.status.Name(), Stats: s.status.Stats()})
}

func (s *Server) handleHealth(ctx *RequestContext) error {
	if !s.status.IsAvailable() {
		reason := s.status.Stats().DegradeReason
		if reason == "" {
			reason = "unavailable"
		}
		return ctx.Text(fasthttp.StatusServiceUnavailable, reason)
	}
	return ctx.Text(fasthttp.StatusOK, "ok")
}
