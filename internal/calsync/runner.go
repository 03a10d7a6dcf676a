package calsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AndrisJefimovs/cal-sync/internal/feed"
	"github.com/AndrisJefimovs/cal-sync/internal/metrics"
)

type RunnerOptions struct {
	Provider  feed.Provider
	Engine    *Engine
	SourceID  string
	ReadRange string
	Logger    Logger
	Metrics   *metrics.Set
	OnReport  func(Report)
}

// Runner ties a feed provider to the engine: one RunCycle is one poll. It
// also guards against overlapping cycles when a scheduled tick fires while
// a manually triggered cycle is still running.
type Runner struct {
	provider feed.Provider
	engine   *Engine
	logger   Logger
	metrics  *metrics.Set
	onReport func(Report)

	mu        sync.Mutex
	sourceID  string
	readRange string

	running atomic.Bool
}

func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{
		provider:  opts.Provider,
		engine:    opts.Engine,
		sourceID:  opts.SourceID,
		readRange: opts.ReadRange,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		onReport:  opts.OnReport,
	}
}

// UpdateFeed swaps the polled source for subsequent cycles.
func (r *Runner) UpdateFeed(sourceID, readRange string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sourceID = sourceID
	r.readRange = readRange
}

// RunCycle fetches the current snapshot and reconciles it. Fetch failures
// wrap feed.ErrUnavailable so callers can tell a broken feed from a broken
// cycle.
func (r *Runner) RunCycle(ctx context.Context) (Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Report{}, fmt.Errorf("%w: cycle already running", ErrInvalidInput)
	}
	defer r.running.Store(false)
	return r.runLocked(ctx)
}

// TryRunCycle is RunCycle for schedulers: an already running cycle makes
// the tick a silent no-op instead of an error.
func (r *Runner) TryRunCycle(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.logf("skipping poll tick, previous cycle still running")
		return
	}
	defer r.running.Store(false)
	if _, err := r.runLocked(ctx); err != nil {
		r.logf("scheduled cycle failed: %v", err)
	}
}

func (r *Runner) runLocked(ctx context.Context) (Report, error) {
	r.mu.Lock()
	sourceID, readRange := r.sourceID, r.readRange
	r.mu.Unlock()

	rows, err := r.provider.FetchRows(ctx, sourceID, readRange)
	if err != nil {
		r.metrics.IncFeedFailure()
		return Report{}, fmt.Errorf("fetch feed: %w", err)
	}
	report, err := r.engine.Reconcile(ctx, rows)
	if err != nil {
		return report, err
	}
	if r.onReport != nil {
		r.onReport(report)
	}
	return report, nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
