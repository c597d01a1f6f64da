package pool

import (
	"runtime"
	"time"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/core/failfast"
	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Config configures a Pool
type Config struct {
	// Size is the target number of live units. Zero selects DefaultSize().
	Size int `yaml:"size" json:"size"`

	// RespawnLimit is how many consecutive unit crashes or failed respawns,
	// with no task completing in between, the pool tolerates before it stops
	// replacing units. Zero selects the default.
	RespawnLimit int `yaml:"respawn_limit" json:"respawn_limit"`

	// RespawnBackoff is the delay before the second consecutive respawn; it
	// doubles for every further one up to RespawnBackoffMax
	RespawnBackoff time.Duration `yaml:"respawn_backoff" json:"respawn_backoff"`

	// RespawnBackoffMax caps the respawn delay
	RespawnBackoffMax time.Duration `yaml:"respawn_backoff_max" json:"respawn_backoff_max"`

	// ProbeTimeout bounds the reachability check at construction
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// DefaultConfig returns the configuration used when no option overrides it
func DefaultConfig() Config {
	return Config{
		Size:              DefaultSize(),
		RespawnLimit:      5,
		RespawnBackoff:    50 * time.Millisecond,
		RespawnBackoffMax: 2 * time.Second,
		ProbeTimeout:      5 * time.Second,
	}
}

// DefaultSize is one unit per CPU minus one for the caller, clamped to [2, 8]
func DefaultSize() int {
	return clamp(runtime.NumCPU()-1, 2, 8)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.RespawnLimit <= 0 {
		c.RespawnLimit = d.RespawnLimit
	}
	if c.RespawnBackoff <= 0 {
		c.RespawnBackoff = d.RespawnBackoff
	}
	if c.RespawnBackoffMax < c.RespawnBackoff {
		c.RespawnBackoffMax = d.RespawnBackoffMax
		if c.RespawnBackoffMax < c.RespawnBackoff {
			c.RespawnBackoffMax = c.RespawnBackoff
		}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// respawnDelay is the wait before the attempt-th consecutive respawn (1-based)
func (c Config) respawnDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := c.RespawnBackoff
	for i := 2; i < attempt && d < c.RespawnBackoffMax; i++ {
		d *= 2
	}
	if d > c.RespawnBackoffMax {
		d = c.RespawnBackoffMax
	}
	return d
}

type options struct {
	config  Config
	name    string
	logger  core.Logger
	metrics *prometheus.Metrics
	tracer  trace.Tracer
}

// Option configures a Pool
type Option func(*options)

// WithConfig replaces the whole configuration; zero fields take defaults
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithSize sets the target number of units. n must be >= 1.
func WithSize(n int) Option {
	failfast.Positive(n, "pool size")
	return func(o *options) { o.config.Size = n }
}

// WithRespawn overrides the respawn budget and backoff
func WithRespawn(limit int, backoff, backoffMax time.Duration) Option {
	return func(o *options) {
		o.config.RespawnLimit = limit
		o.config.RespawnBackoff = backoff
		o.config.RespawnBackoffMax = backoffMax
	}
}

// WithName labels logs and metrics of this pool
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger. Default: core.NewDefaultLogger()
func WithLogger(logger core.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics publishes pool gauges and counters to m
func WithMetrics(m *prometheus.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer records one span per task. Default: the global otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}
