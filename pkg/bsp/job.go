package bsp

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxorio/unitpool/pkg/core"
	"golang.org/x/sync/errgroup"
)

// Job is the payload submitted to execution units: parse one file
type Job struct {
	Root string   `json:"root"`
	File FileInfo `json:"file"`
}

// Handle is the unit handler for Job payloads. Payloads arrive either as
// Job values (in-process units) or as decoded JSON objects.
func Handle(ctx context.Context, payload interface{}) (interface{}, error) {
	var job Job
	switch p := payload.(type) {
	case Job:
		job = p
	case *Job:
		if p == nil {
			return nil, &core.Error{Code: "INVALID_INPUT", Message: "nil job"}
		}
		job = *p
	default:
		if err := core.JSONReencode(payload, &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
	}
	return ParseFile(ctx, job.Root, job.File)
}

// DecodeResult converts a unit result back into a FileResult
func DecodeResult(v interface{}) (*FileResult, error) {
	switch r := v.(type) {
	case *FileResult:
		return r, nil
	case FileResult:
		return &r, nil
	}
	var res FileResult
	if err := core.JSONReencode(v, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// ParseAll parses files in-process with at most workers goroutines. Files
// that fail to parse are reported through onError and skipped. Results keep
// the order of files.
func ParseAll(ctx context.Context, root string, files []FileInfo, workers int, onError func(FileInfo, error)) ([]*FileResult, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]*FileResult, len(files))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		g.Go(func() error {
			res, err := ParseFile(ctx, root, f)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if onError != nil {
					mu.Lock()
					onError(f, err)
					mu.Unlock()
				}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}
