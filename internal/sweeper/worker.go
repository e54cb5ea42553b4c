// Package sweeper evicts expired cache records from stores that do not
// expire entries on their own.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
)

// RunPruner is implemented by stores that also keep run history.
type RunPruner interface {
	PruneRuns(ctx context.Context, cutoff time.Time) (int, error)
}

// Worker periodically sweeps records older than its TTL.
type Worker struct {
	store   cache.Sweeper
	runs    RunPruner
	ttl     time.Duration
	runTTL  time.Duration
	every   time.Duration
	now     func() time.Time
	logger  *slog.Logger
	onSweep func(n int)
}

// Option configures a Worker.
type Option func(*Worker)

// WithRunHistory also prunes runs older than ttl.
func WithRunHistory(p RunPruner, ttl time.Duration) Option {
	return func(w *Worker) {
		w.runs = p
		w.runTTL = ttl
	}
}

// WithSweepHook is called with the number of records removed by each sweep.
func WithSweepHook(fn func(n int)) Option {
	return func(w *Worker) { w.onSweep = fn }
}

// NewWorker creates a Worker. If every is <= 0 it defaults to ttl/4, bounded
// to between one minute and one hour.
func NewWorker(store cache.Sweeper, ttl, every time.Duration, opts ...Option) *Worker {
	if every <= 0 {
		every = min(max(ttl/4, time.Minute), time.Hour)
	}
	w := &Worker{
		store:  store,
		ttl:    ttl,
		every:  every,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("cache sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep and returns how many records were removed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	n, err := w.store.Sweep(ctx, now.Add(-w.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweeping cache: %w", err)
	}
	if n > 0 {
		w.logger.Info("evicted expired cache records", "count", n)
	}
	if w.onSweep != nil {
		w.onSweep(n)
	}

	if w.runs != nil && w.runTTL > 0 {
		pruned, err := w.runs.PruneRuns(ctx, now.Add(-w.runTTL))
		if err != nil {
			return n, fmt.Errorf("pruning runs: %w", err)
		}
		if pruned > 0 {
			w.logger.Debug("pruned run history", "count", pruned)
		}
	}
	return n, nil
}
