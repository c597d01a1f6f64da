package main

import (
	"time"

	"github.com/fluxorio/unitpool/pkg/bsp"
	"github.com/fluxorio/unitpool/pkg/config"
	"github.com/fluxorio/unitpool/pkg/observability/tracing"
	"github.com/fluxorio/unitpool/pkg/pool"
)

// envPrefix selects environment overrides, e.g. UNITPOOL_POOL_SIZE=4
const envPrefix = "UNITPOOL"

// Unit kinds
const (
	unitLocal   = "local"
	unitProcess = "process"
	unitNATS    = "nats"
)

type appConfig struct {
	Unit          unitConfig          `yaml:"unit" json:"unit"`
	Pool          pool.Config         `yaml:"pool" json:"pool"`
	Index         indexConfig         `yaml:"index" json:"index"`
	Observability observabilityConfig `yaml:"observability" json:"observability"`
}

type unitConfig struct {
	// Kind is local (in-process goroutines), process or nats
	Kind string `yaml:"kind" json:"kind"`
	// Resource is the unit executable for process units
	Resource    string        `yaml:"resource" json:"resource"`
	Args        []string      `yaml:"args" json:"args"`
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
	NATSURL     string        `yaml:"nats_url" json:"nats_url"`
	Subject     string        `yaml:"subject" json:"subject"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

type indexConfig struct {
	// Output defaults to <project>/.bsp-index/index.bspidx
	Output  string   `yaml:"output" json:"output"`
	Exclude []string `yaml:"exclude" json:"exclude"`
	// Workers bounds in-process parsing when the pool is unavailable
	Workers int `yaml:"workers" json:"workers"`
}

type observabilityConfig struct {
	LogLevel   string         `yaml:"log_level" json:"log_level"`
	LogFormat  string         `yaml:"log_format" json:"log_format"`
	StatusAddr string         `yaml:"status_addr" json:"status_addr"`
	Tracing    tracing.Config `yaml:"tracing" json:"tracing"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		Unit: unitConfig{
			Kind:        unitProcess,
			Resource:    "bspunit",
			GracePeriod: 5 * time.Second,
			Subject:     "unitpool.bsp",
			Timeout:     30 * time.Second,
		},
		Pool: pool.DefaultConfig(),
		Index: indexConfig{
			Exclude: append([]string(nil), bsp.DefaultExclude...),
			Workers: pool.DefaultSize(),
		},
		Observability: observabilityConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Tracing: tracing.Config{
				ServiceName: "bspindex",
				Exporter:    tracing.ExporterNone,
				SampleRate:  1,
			},
		},
	}
}

// loadAppConfig layers defaults, the optional file and UNITPOOL_* variables
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if path != "" {
		if err := config.Load(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnvOverrides(envPrefix, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *appConfig) validate() error {
	validators := []config.Validator{
		config.OneOfValidator("Unit.Kind", unitLocal, unitProcess, unitNATS),
		config.RangeValidator("Pool.Size", 1, 256),
		config.RangeValidator("Pool.RespawnLimit", 1, 10000),
		config.RangeValidator("Index.Workers", 1, 256),
		config.DurationRange("Unit.GracePeriod", 0, time.Minute),
		config.DurationRange("Unit.Timeout", 0, time.Hour),
		config.OneOfValidator("Observability.LogFormat", "text", "json"),
		config.OneOfValidator("Observability.Tracing.Exporter", "", tracing.ExporterNone, tracing.ExporterStdout, tracing.ExporterZipkin),
	}
	switch c.Unit.Kind {
	case unitProcess:
		validators = append(validators, config.RequiredFields("Unit.Resource"))
	case unitNATS:
		validators = append(validators, config.RequiredFields("Unit.NATSURL", "Unit.Subject"))
	}
	return config.Validate(c, validators...)
}
