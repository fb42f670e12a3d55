// Package fetch runs per-folder work across a bounded number of
// concurrent connections to one account. Folders are priority-sorted
// before partitioning so the inbox is never the folder sacrificed to a
// partial failure or an exhausted time budget.
package fetch

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/relaycrm/mailsync/internal/provider"
)

// FolderError records a single folder's failure. Sibling folders and the
// overall sync carry on.
type FolderError struct {
	Folder string
	Err    error
}

// Engine partitions folders across at most Concurrency workers, each
// processing its subset sequentially.
type Engine struct {
	Concurrency int
	BatchSize   int
	log         zerolog.Logger
}

const (
	defaultConcurrency = 4
	defaultBatchSize   = 50
)

func New(concurrency, batchSize int, log zerolog.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Engine{
		Concurrency: concurrency,
		BatchSize:   batchSize,
		log:         log.With().Str("component", "fetch").Logger(),
	}
}

// Run executes work for every folder. Work errors are caught per folder
// and returned together; only context cancellation aborts the run.
func (e *Engine) Run(ctx context.Context, folders []provider.Folder, work func(ctx context.Context, f provider.Folder) error) []FolderError {
	if len(folders) == 0 {
		return nil
	}

	sorted := make([]provider.Folder, len(folders))
	copy(sorted, folders)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Role.Priority() < sorted[j].Role.Priority()
	})

	workers := e.Concurrency
	if workers > len(sorted) {
		workers = len(sorted)
	}

	// Round-robin partitioning puts the highest-priority folders at the
	// front of distinct workers; each worker walks its disjoint subset
	// sequentially in priority order.
	parts := make([][]provider.Folder, workers)
	for i, f := range sorted {
		parts[i%workers] = append(parts[i%workers], f)
	}

	errsCh := make(chan FolderError, len(sorted))

	grp, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		part := part
		grp.Go(func() error {
			for _, f := range part {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := work(gctx, f); err != nil {
					e.log.Warn().Str("folder", f.Path).Err(err).Msg("folder fetch failed")
					errsCh <- FolderError{Folder: f.Path, Err: err}
				}
			}
			return nil
		})
	}
	_ = grp.Wait()
	close(errsCh)
	var errs []FolderError
	for fe := range errsCh {
		errs = append(errs, fe)
	}
	return errs
}

// Batches splits uids into chunks of the engine's batch size to bound peak
// memory during per-folder fetches.
func (e *Engine) Batches(uids []uint32) [][]uint32 {
	if len(uids) == 0 {
		return nil
	}
	var out [][]uint32
	for start := 0; start < len(uids); start += e.BatchSize {
		end := start + e.BatchSize
		if end > len(uids) {
			end = len(uids)
		}
		out = append(out, uids[start:end])
	}
	return out
}
