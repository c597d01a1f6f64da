package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fluxorio/unitpool/pkg/bsp"
	"github.com/fluxorio/unitpool/pkg/bsp/index"
	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
	"github.com/fluxorio/unitpool/pkg/pool"
	"github.com/fluxorio/unitpool/pkg/unit"
	"github.com/fluxorio/unitpool/pkg/unit/local"
	"github.com/fluxorio/unitpool/pkg/unit/natsunit"
	"github.com/fluxorio/unitpool/pkg/unit/process"
	"github.com/fluxorio/unitpool/pkg/web"
)

// newSpawner builds the unit spawner selected by cfg.Kind
func newSpawner(cfg unitConfig) (unit.Spawner, error) {
	switch cfg.Kind {
	case unitLocal:
		return local.NewSpawner("bsp", bsp.Handle), nil
	case unitProcess:
		opts := []process.Option{process.WithArgs(cfg.Args...), process.WithStderr(os.Stderr)}
		if cfg.GracePeriod > 0 {
			opts = append(opts, process.WithGracePeriod(cfg.GracePeriod))
		}
		return process.NewSpawner(cfg.Resource, opts...), nil
	case unitNATS:
		return natsunit.NewSpawner(natsunit.Config{
			URL:            cfg.NATSURL,
			Subject:        cfg.Subject,
			Name:           "bspindex",
			RequestTimeout: cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown unit kind %q", cfg.Kind)
	}
}

const metricFilesRemaining = "unitpool_bsp_files_remaining"

// summary describes a finished indexing run
type summary struct {
	Output   string
	MetaPath string
	Scanned  int
	Skipped  int
	Local    int // files parsed in-process
	Stats    index.Stats
	Elapsed  time.Duration
}

type indexer struct {
	cfg      appConfig
	logger   core.Logger
	out      io.Writer
	registry *pool.Registry
	metrics  *prometheus.Metrics
}

func newIndexer(cfg appConfig, logger core.Logger, out io.Writer, metrics *prometheus.Metrics) (*indexer, error) {
	spawner, err := newSpawner(cfg.Unit)
	if err != nil {
		return nil, err
	}
	opts := []pool.Option{
		pool.WithConfig(cfg.Pool),
		pool.WithName("bsp"),
		pool.WithLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, pool.WithMetrics(metrics))
	}
	return &indexer{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		registry: pool.NewRegistry(spawner, opts...),
		metrics:  metrics,
	}, nil
}

// run indexes project into a fresh database
func (ix *indexer) run(ctx context.Context, project string) (*summary, error) {
	start := time.Now()
	root, err := filepath.Abs(project)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	output := ix.cfg.Index.Output
	if output == "" {
		output = index.DefaultOutput(root)
	}
	fmt.Fprintf(ix.out, "[bspindex] Project: %s\n[bspindex] Output: %s\n", root, output)

	storeOpts := []index.Option{index.WithLogger(ix.logger)}
	if ix.metrics != nil {
		storeOpts = append(storeOpts, index.WithMetrics(ix.metrics))
	}
	store, err := index.Create(ctx, output, storeOpts...)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	files, err := bsp.Scan(ctx, root, ix.cfg.Index.Exclude)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	fmt.Fprintf(ix.out, "[bspindex] Found %d files to index\n", len(files))

	p := ix.registry.Get()
	if ix.cfg.Observability.StatusAddr != "" {
		stop := ix.serveStatus(p)
		defer stop()
	}
	if !p.IsAvailable() {
		ix.logger.Warnf("unit pool unavailable (%s), parsing in-process", p.Stats().DegradeReason)
	}

	sum := &summary{Output: output, Scanned: len(files)}
	for i := 0; i < len(files); i += index.BatchSize {
		batch := files[i:min(i+index.BatchSize, len(files))]
		results, err := ix.parseBatch(ctx, p, root, batch, sum)
		if err != nil {
			return nil, err
		}
		if err := store.InsertBatch(ctx, results); err != nil {
			return nil, fmt.Errorf("write batch: %w", err)
		}
		done := i + len(batch)
		if ix.metrics != nil {
			ix.metrics.Gauge(metricFilesRemaining, "Files of the current run not yet written to the index").
				WithLabelValues().Set(float64(len(files) - done))
		}
		fmt.Fprintf(ix.out, "\r[bspindex] Progress: %d/%d (%.1f%%)", done, len(files), float64(done)/float64(len(files))*100)
	}
	fmt.Fprintln(ix.out)

	now := time.Now()
	if err := store.SaveMetadata(ctx, root, now); err != nil {
		return nil, fmt.Errorf("save metadata: %w", err)
	}
	sum.Stats = store.Stats()
	sum.Elapsed = time.Since(start)
	if sum.MetaPath, err = index.WriteMeta(output, index.NewMeta(sum.Stats, sum.Elapsed, now)); err != nil {
		return nil, fmt.Errorf("write meta.json: %w", err)
	}
	return sum, nil
}

// parseBatch runs files on the pool and falls back to in-process parsing
// for files the pool could not take
func (ix *indexer) parseBatch(ctx context.Context, p *pool.Pool, root string, files []bsp.FileInfo, sum *summary) ([]*bsp.FileResult, error) {
	if !p.IsAvailable() {
		return ix.parseLocal(ctx, root, files, sum)
	}

	handles := make([]*pool.Handle, len(files))
	for i, f := range files {
		handles[i] = p.Submit(bsp.Job{Root: root, File: f})
	}

	results := make([]*bsp.FileResult, 0, len(files))
	var retry []bsp.FileInfo
	for i, h := range handles {
		out, err := h.Wait(ctx)
		switch {
		case err == nil:
			res, err := bsp.DecodeResult(out)
			if err != nil {
				ix.skip(files[i], err, sum)
				continue
			}
			results = append(results, res)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, pool.ErrUnavailable), errors.Is(err, pool.ErrShutdown), errors.Is(err, pool.ErrUnitCrashed):
			retry = append(retry, files[i])
		default:
			ix.skip(files[i], err, sum)
		}
	}

	if len(retry) > 0 {
		ix.logger.Debugf("parsing %d files in-process after pool errors", len(retry))
		more, err := ix.parseLocal(ctx, root, retry, sum)
		if err != nil {
			return nil, err
		}
		results = append(results, more...)
	}
	return results, nil
}

func (ix *indexer) parseLocal(ctx context.Context, root string, files []bsp.FileInfo, sum *summary) ([]*bsp.FileResult, error) {
	results, err := bsp.ParseAll(ctx, root, files, ix.cfg.Index.Workers, func(f bsp.FileInfo, err error) {
		ix.skip(f, err, sum)
	})
	if err != nil {
		return nil, err
	}
	sum.Local += len(results)
	return results, nil
}

func (ix *indexer) skip(f bsp.FileInfo, err error, sum *summary) {
	sum.Skipped++
	ix.logger.WithField("file", f.Rel).Debugf("skipped: %v", err)
}

// serveStatus starts the status server and returns its stop function
func (ix *indexer) serveStatus(p *pool.Pool) func() {
	srv := web.NewServer(p, ix.metrics, ix.logger, web.DefaultConfig(ix.cfg.Observability.StatusAddr))
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			ix.logger.Warnf("status server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// close shuts the unit pool down
func (ix *indexer) close(ctx context.Context) error {
	return ix.registry.Teardown(ctx)
}
