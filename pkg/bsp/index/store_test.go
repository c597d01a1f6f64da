package index

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxorio/unitpool/pkg/bsp"
	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResults() []*bsp.FileResult {
	return []*bsp.FileResult{
		{
			File: bsp.FileMeta{Path: "include/board.h", Name: "board.h", Type: bsp.TypeHeader, Size: 42, Mtime: 1700000000, Digest: "ab"},
			Symbols: []bsp.Symbol{
				{Name: "BOARD_LED_PIN", Value: "5", Type: bsp.SymbolDefine, Line: 4},
				{Name: "BOARD_NAME", Value: `"evk"`, Type: bsp.SymbolDefine, Line: 5},
			},
			Includes: []bsp.Include{{ToPath: "linux/types.h", Type: bsp.IncludeDirective, Line: 3}},
		},
		{
			File: bsp.FileMeta{Path: "dts/board.dts", Name: "board.dts", Type: bsp.TypeDTS, Size: 100, Mtime: 1700000001, Digest: "cd"},
			Symbols: []bsp.Symbol{
				{Name: "status_led", Value: "/leds/led", Type: bsp.SymbolLabel, Line: 8},
			},
			Nodes: []bsp.Node{
				{Path: "/", Name: "/", StartLine: 1, EndLine: 10},
				{Path: "/leds", Name: "leds", StartLine: 2, EndLine: 9},
				{Path: "/leds/led", Name: "led", Label: "status_led", Address: "0", StartLine: 3, EndLine: 8},
			},
			Properties: []bsp.Property{
				{NodePath: "/leds/led", Name: "gpios", Value: "<&gpio1 5 GPIO_ACTIVE_LOW>", Line: 4},
				{NodePath: "&unknown", Name: "status", Value: `"okay"`, Line: 12},
			},
			GPIOPins: []bsp.GPIOPin{{Controller: "gpio1", Pin: 5, Label: "status_led", Function: "gpios", Direction: "active-low"}},
		},
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Create(context.Background(), filepath.Join(t.TempDir(), "idx", "index.bspidx"), WithLogger(core.NewNopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InsertBatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.InsertBatch(ctx, sampleResults()))

	assert.Equal(t, Stats{Files: 2, Symbols: 3, Includes: 1, DTNodes: 3, DTProperties: 1, GPIOPins: 1}, s.Stats())

	var parentPath string
	err := s.pool.QueryRow(ctx, `
		SELECT p.path FROM dt_nodes n JOIN dt_nodes p ON p.id = n.parent_id
		WHERE n.path = '/leds/led'`).Scan(&parentPath)
	require.NoError(t, err)
	assert.Equal(t, "/leds", parentPath)

	var controller string
	var pin int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT controller, pin FROM gpio_pins`).Scan(&controller, &pin))
	assert.Equal(t, "gpio1", controller)
	assert.Equal(t, 5, pin)
}

func TestStore_FailedBatchDoesNotCount(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertBatch(ctx, sampleResults()[:1]))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, s.InsertBatch(cancelled, sampleResults()[1:]))
	assert.Equal(t, int64(1), s.Stats().Files)
}

func TestStore_SearchSymbols(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertBatch(ctx, sampleResults()))

	hits, err := s.SearchSymbols(ctx, "BOARD_LED_PIN", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, SymbolHit{Name: "BOARD_LED_PIN", Value: "5", Type: bsp.SymbolDefine, Line: 4, File: "include/board.h"}, hits[0])

	_, err = s.SearchSymbols(ctx, "", 10)
	assert.Error(t, err)
}

func TestOpen_ExistingIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.bspidx")
	created, err := Create(ctx, path, WithLogger(core.NewNopLogger()))
	require.NoError(t, err)
	require.NoError(t, created.InsertBatch(ctx, sampleResults()))
	require.NoError(t, created.Close())

	opened, err := Open(ctx, path, WithLogger(core.NewNopLogger()))
	require.NoError(t, err)
	defer opened.Close()
	assert.Equal(t, created.FullText(), opened.FullText())

	hits, err := opened.SearchSymbols(ctx, "status_led", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "dts/board.dts", hits[0].File)

	_, err = Open(ctx, filepath.Join(t.TempDir(), "absent.bspidx"))
	assert.Error(t, err)
}

func TestStore_Metadata(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.UnixMilli(1700000000123)

	require.NoError(t, s.SaveMetadata(ctx, "/work/yocto", now))

	v, err := s.Metadata(ctx, MetaLastIndexTime)
	require.NoError(t, err)
	assert.Equal(t, "1700000000123", v)
	v, err = s.Metadata(ctx, MetaIndexerVersion)
	require.NoError(t, err)
	assert.Equal(t, IndexerVersion, v)
	v, err = s.Metadata(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestCreate_ReplacesExistingIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.bspidx")

	first, err := Create(ctx, path, WithLogger(core.NewNopLogger()))
	require.NoError(t, err)
	require.NoError(t, first.InsertBatch(ctx, sampleResults()))
	require.NoError(t, first.Close())

	second, err := Create(ctx, path, WithLogger(core.NewNopLogger()))
	require.NoError(t, err)
	defer second.Close()

	var n int
	require.NoError(t, second.pool.QueryRow(ctx, `SELECT COUNT(*) FROM files`).Scan(&n))
	assert.Zero(t, n)
}

func TestWriteMeta(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("USER", "builder")
	meta := NewMeta(Stats{Files: 3}, 1260*time.Millisecond, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	path, err := WriteMeta(filepath.Join(dir, "index.bspidx"), meta)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "meta.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "builder", got["savedBy"])
	assert.Equal(t, IndexerVersion, got["indexerVersion"])
	assert.Equal(t, 1.3, got["elapsed"])
	assert.Equal(t, float64(3), got["stats"].(map[string]interface{})["files"])
}

func TestDefaultOutput(t *testing.T) {
	assert.Equal(t, filepath.Join("/p", ".bsp-index", "index.bspidx"), DefaultOutput("/p"))
}

func TestStore_BatchMetrics(t *testing.T) {
	ctx := context.Background()
	m := prometheus.NewMetrics(promclient.NewRegistry())
	s, err := Create(ctx, filepath.Join(t.TempDir(), "index.bspidx"), WithLogger(core.NewNopLogger()), WithMetrics(m))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertBatch(ctx, sampleResults()))

	files := m.Counter(MetricFilesIndexed, "", "type")
	assert.Equal(t, 1.0, testutil.ToFloat64(files.WithLabelValues("header")))
	assert.Equal(t, 1.0, testutil.ToFloat64(files.WithLabelValues("dts")))

	rows := m.Counter(MetricRowsIndexed, "", "table")
	assert.Equal(t, 3.0, testutil.ToFloat64(rows.WithLabelValues("symbols")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rows.WithLabelValues("dt_nodes")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rows.WithLabelValues("gpio_pins")))

	assert.Equal(t, 1, testutil.CollectAndCount(m.Histogram(MetricBatchDuration, "", nil), MetricBatchDuration))
}
