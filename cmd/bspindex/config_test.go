package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAppConfig_Valid(t *testing.T) {
	cfg := defaultAppConfig()
	require.NoError(t, cfg.validate())
	assert.Equal(t, unitProcess, cfg.Unit.Kind)
	assert.Equal(t, "bspunit", cfg.Unit.Resource)
	assert.NotEmpty(t, cfg.Index.Exclude)
}

func TestLoadAppConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bspindex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
unit:
  kind: local
pool:
  size: 3
index:
  workers: 2
observability:
  log_format: json
`), 0o644))

	t.Setenv("UNITPOOL_POOL_RESPAWN_BACKOFF", "250ms")
	t.Setenv("UNITPOOL_INDEX_WORKERS", "6")

	cfg, err := loadAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, unitLocal, cfg.Unit.Kind)
	assert.Equal(t, 3, cfg.Pool.Size)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.RespawnBackoff)
	assert.Equal(t, 6, cfg.Index.Workers)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	// untouched defaults survive
	assert.Equal(t, "unitpool.bsp", cfg.Unit.Subject)
}

func TestLoadAppConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown kind", map[string]string{"UNITPOOL_UNIT_KIND": "thread"}},
		{"pool too large", map[string]string{"UNITPOOL_POOL_SIZE": "1000"}},
		{"nats without url", map[string]string{"UNITPOOL_UNIT_KIND": "nats"}},
		{"bad exporter", map[string]string{"UNITPOOL_OBSERVABILITY_TRACING_EXPORTER": "jaeger"}},
		{"bad duration", map[string]string{"UNITPOOL_UNIT_TIMEOUT": "soon"}},
		{"zero respawn limit", map[string]string{"UNITPOOL_POOL_RESPAWN_LIMIT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadAppConfig("")
			assert.Error(t, err)
		})
	}
}

func TestApplyFlags(t *testing.T) {
	fs := newIndexCmd().Flags()
	require.NoError(t, fs.Parse([]string{"--nats", "nats://127.0.0.1:4222", "--workers", "4", "-o", "/tmp/x.bspidx"}))

	cfg := defaultAppConfig()
	require.NoError(t, applyFlags(fs, &cfg))
	assert.Equal(t, unitNATS, cfg.Unit.Kind)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Unit.NATSURL)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 4, cfg.Index.Workers)
	assert.Equal(t, "/tmp/x.bspidx", cfg.Index.Output)
	require.NoError(t, cfg.validate())
}

func TestApplyFlags_Unset(t *testing.T) {
	fs := pflag.NewFlagSet("empty", pflag.ContinueOnError)
	cfg := defaultAppConfig()
	require.NoError(t, applyFlags(fs, &cfg))
	assert.Equal(t, defaultAppConfig(), cfg)
}

func TestResolveUnit(t *testing.T) {
	assert.Equal(t, "/opt/bin/bspunit", resolveUnit("/opt/bin/bspunit"))
	assert.Equal(t, "", resolveUnit(""))
	assert.Equal(t, "sh", resolveUnit("sh"))
}
