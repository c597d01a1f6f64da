// Package tracing installs the OpenTelemetry tracer provider used for task spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted by Config.Exporter
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterZipkin = "zipkin"
)

// Config selects and configures the span exporter
type Config struct {
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" json:"service_version"`
	Environment    string  `yaml:"environment" json:"environment"`
	Exporter       string  `yaml:"exporter" json:"exporter"`
	Endpoint       string  `yaml:"endpoint" json:"endpoint"`       // zipkin collector URL
	OutputFile     string  `yaml:"output_file" json:"output_file"` // stdout exporter target, empty for os.Stdout
	SampleRate     float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewProvider builds a tracer provider for cfg without installing it globally.
// Exporter "none" (or empty) yields a provider that records nothing.
func NewProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "unitpool"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}

	switch strings.ToLower(cfg.Exporter) {
	case "", ExporterNone:
	case ExporterStdout:
		var w io.Writer = os.Stdout
		if cfg.OutputFile != "" {
			// #nosec G304 -- path comes from operator configuration
			f, err := os.Create(cfg.OutputFile)
			if err != nil {
				return nil, fmt.Errorf("tracing output: %w", err)
			}
			w = f
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	case ExporterZipkin:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("zipkin exporter requires an endpoint")
		}
		exporter, err := zipkin.New(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("zipkin exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

var (
	providerOnce sync.Once
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// Initialize installs the provider for cfg as the global tracer provider.
// Only the first call has an effect; later calls return its outcome.
func Initialize(ctx context.Context, cfg Config) error {
	providerOnce.Do(func() {
		provider, providerErr = NewProvider(ctx, cfg)
		if providerErr == nil {
			otel.SetTracerProvider(provider)
		}
	})
	return providerErr
}

// IsInitialized reports whether Initialize installed a provider
func IsInitialized() bool {
	return provider != nil
}

// Shutdown flushes and stops the global provider installed by Initialize
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
