// Package index persists parsed BSP files into a SQLite database with
// full-text search over symbols.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxorio/unitpool/pkg/bsp"
	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/db"
	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
)

// IndexerVersion is recorded in the metadata table and meta.json
const IndexerVersion = "2.0-go"

// BatchSize is the number of file results written per transaction
const BatchSize = 100

// Metadata keys
const (
	MetaLastIndexTime  = "last_index_time"
	MetaProjectPath    = "project_path"
	MetaIndexerVersion = "indexer_version"
)

// Stats counts rows written since the store was created
type Stats struct {
	Files        int64 `json:"files"`
	Symbols      int64 `json:"symbols"`
	Includes     int64 `json:"includes"`
	DTNodes      int64 `json:"dt_nodes"`
	DTProperties int64 `json:"dt_properties"`
	GPIOPins     int64 `json:"gpio_pins"`
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Symbols += o.Symbols
	s.Includes += o.Includes
	s.DTNodes += o.DTNodes
	s.DTProperties += o.DTProperties
	s.GPIOPins += o.GPIOPins
}

// SymbolHit is a search result
type SymbolHit struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type"`
	Line  int    `json:"line"`
	File  string `json:"file"`
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger. Default: core.NewDefaultLogger()
func WithLogger(logger core.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics publishes database pool and query metrics to m
func WithMetrics(m *prometheus.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is an index database being written
type Store struct {
	path    string
	pool    *db.Pool
	fts     bool
	logger  core.Logger
	metrics *prometheus.Metrics

	mu    sync.Mutex
	stats Stats
}

// DefaultOutput is the index location used when none is given
func DefaultOutput(project string) string {
	return filepath.Join(project, ".bsp-index", "index.bspidx")
}

// Create replaces any database at path with an empty index
func Create(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, &core.Error{Code: "INVALID_INPUT", Message: "index path cannot be empty"}
	}
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = core.NewDefaultLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove old index: %w", err)
		}
	}

	pool, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	if s.metrics != nil {
		pool.SetMetrics(s.metrics)
	}
	s.pool = pool

	if _, err := pool.Exec(ctx, schema); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := pool.Exec(ctx, ftsSchema); err != nil {
		if !strings.Contains(err.Error(), "no such module") {
			_ = pool.Close()
			return nil, fmt.Errorf("create full-text schema: %w", err)
		}
		s.logger.Warnf("SQLite built without FTS5, symbol search falls back to prefix matching: %v", err)
	} else {
		s.fts = true
	}
	return s, nil
}

// Open opens an existing index for queries
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = core.NewDefaultLogger()
	}
	pool, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	s.pool = pool

	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'symbols_fts'`).Scan(&n); err != nil {
		_ = pool.Close()
		return nil, err
	}
	s.fts = n > 0
	return s, nil
}

// Path returns the database file
func (s *Store) Path() string { return s.path }

// FullText reports whether symbol search uses FTS5
func (s *Store) FullText() bool { return s.fts }

// Stats returns the counters of committed rows
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// InsertBatch writes results in one transaction. Counters only move once
// the transaction committed.
func (s *Store) InsertBatch(ctx context.Context, results []*bsp.FileResult) error {
	if len(results) == 0 {
		return nil
	}
	start := time.Now()
	var batch Stats
	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		batch = Stats{}
		for _, res := range results {
			if res == nil {
				continue
			}
			if err := insertResult(ctx, tx, res, &batch); err != nil {
				return fmt.Errorf("%s: %w", res.File.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.add(batch)
	s.mu.Unlock()
	s.pool.Stats()
	s.observeBatch(results, batch, time.Since(start))
	return nil
}

// Metric names published per committed batch
const (
	MetricFilesIndexed  = "unitpool_bsp_files_indexed_total"
	MetricRowsIndexed   = "unitpool_bsp_rows_indexed_total"
	MetricBatchDuration = "unitpool_bsp_batch_duration_seconds"
)

func (s *Store) observeBatch(results []*bsp.FileResult, batch Stats, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	files := s.metrics.Counter(MetricFilesIndexed, "Files written to the index by file type", "type")
	for _, res := range results {
		if res != nil {
			files.WithLabelValues(string(res.File.Type)).Inc()
		}
	}
	rows := s.metrics.Counter(MetricRowsIndexed, "Rows written to the index by table", "table")
	rows.WithLabelValues("symbols").Add(float64(batch.Symbols))
	rows.WithLabelValues("includes").Add(float64(batch.Includes))
	rows.WithLabelValues("dt_nodes").Add(float64(batch.DTNodes))
	rows.WithLabelValues("dt_properties").Add(float64(batch.DTProperties))
	rows.WithLabelValues("gpio_pins").Add(float64(batch.GPIOPins))
	s.metrics.Histogram(MetricBatchDuration, "Time to write one batch of file results", nil).
		WithLabelValues().Observe(elapsed.Seconds())
}

func insertResult(ctx context.Context, tx *sql.Tx, res *bsp.FileResult, stats *Stats) error {
	r, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (path, name, type, size, mtime, digest) VALUES (?, ?, ?, ?, ?, ?)`,
		res.File.Path, res.File.Name, string(res.File.Type), res.File.Size, res.File.Mtime, res.File.Digest)
	if err != nil {
		return err
	}
	fileID, err := r.LastInsertId()
	if err != nil {
		return err
	}
	stats.Files++

	for _, sym := range res.Symbols {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO symbols (name, value, type, file_id, line) VALUES (?, ?, ?, ?, ?)`,
			sym.Name, sym.Value, sym.Type, fileID, sym.Line); err != nil {
			return err
		}
		stats.Symbols++
	}

	for _, inc := range res.Includes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO includes (from_file_id, to_path, type, line) VALUES (?, ?, ?, ?)`,
			fileID, inc.ToPath, inc.Type, inc.Line); err != nil {
			return err
		}
		stats.Includes++
	}

	nodeIDs := make(map[string]int64, len(res.Nodes))
	for _, node := range res.Nodes {
		var parentID interface{}
		if id, ok := nodeIDs[parentPath(node.Path)]; ok {
			parentID = id
		}
		r, err := tx.ExecContext(ctx,
			`INSERT INTO dt_nodes (file_id, path, name, label, address, parent_id, start_line, end_line) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fileID, node.Path, node.Name, nullable(node.Label), nullable(node.Address), parentID, node.StartLine, node.EndLine)
		if err != nil {
			return err
		}
		id, err := r.LastInsertId()
		if err != nil {
			return err
		}
		nodeIDs[node.Path] = id
		stats.DTNodes++
	}

	for _, prop := range res.Properties {
		nodeID, ok := nodeIDs[prop.NodePath]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dt_properties (node_id, name, value, line) VALUES (?, ?, ?, ?)`,
			nodeID, prop.Name, prop.Value, prop.Line); err != nil {
			return err
		}
		stats.DTProperties++
	}

	for _, pin := range res.GPIOPins {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gpio_pins (file_id, controller, pin, label, function, direction) VALUES (?, ?, ?, ?, ?, ?)`,
			fileID, pin.Controller, pin.Pin, pin.Label, pin.Function, nullable(pin.Direction)); err != nil {
			return err
		}
		stats.GPIOPins++
	}
	return nil
}

func parentPath(path string) string {
	i := strings.LastIndex(path, "/")
	switch {
	case i < 0:
		return ""
	case i == 0:
		if path == "/" {
			return ""
		}
		return "/"
	default:
		return path[:i]
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// SaveMetadata records when and what was indexed
func (s *Store) SaveMetadata(ctx context.Context, projectPath string, now time.Time) error {
	values := map[string]string{
		MetaLastIndexTime:  strconv.FormatInt(now.UnixMilli(), 10),
		MetaProjectPath:    projectPath,
		MetaIndexerVersion: IndexerVersion,
	}
	return s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		for key, value := range values {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Metadata returns the value stored under key, or "" when absent
func (s *Store) Metadata(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value.String, err
}

// SearchSymbols finds symbols by name or value. With FTS5 the query is
// matched as a phrase; without it, as a name prefix.
func (s *Store) SearchSymbols(ctx context.Context, query string, limit int) ([]SymbolHit, error) {
	if query == "" {
		return nil, &core.Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if s.fts {
		rows, err = s.pool.Query(ctx, `
			SELECT s.name, COALESCE(s.value, ''), s.type, s.line, f.path
			FROM symbols_fts
			JOIN symbols s ON s.id = symbols_fts.rowid
			JOIN files f ON f.id = s.file_id
			WHERE symbols_fts MATCH ?
			ORDER BY rank
			LIMIT ?`, `"`+strings.ReplaceAll(query, `"`, `""`)+`"`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT s.name, COALESCE(s.value, ''), s.type, s.line, f.path
			FROM symbols s
			JOIN files f ON f.id = s.file_id
			WHERE s.name LIKE ? ESCAPE '\'
			ORDER BY s.name, f.path, s.line
			LIMIT ?`, escapeLike(query)+"%", limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SymbolHit
	for rows.Next() {
		var h SymbolHit
		if err := rows.Scan(&h.Name, &h.Value, &h.Type, &h.Line, &h.File); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Close closes the database
func (s *Store) Close() error {
	return s.pool.Close()
}
