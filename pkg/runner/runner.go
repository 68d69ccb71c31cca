// Package runner claims due work items and executes them through registered
// handlers with bounded concurrency. Failed executions reschedule with
// exponential backoff until retries run out, after which the item parks in
// the dead letter state for operator replay.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/forzeo/forzeo-core/pkg/observability"
	"github.com/forzeo/forzeo-core/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
)

// Options tunes a Runner. Zero values fall back to conservative defaults.
type Options struct {
	ClaimLimit     int           // items claimed per cycle, default 25
	Concurrency    int           // parallel handler executions, default 4
	HandlerTimeout time.Duration // per-item execution deadline, default 60s
	Types          []string      // restrict claiming to these types; nil claims all
}

// CycleStats summarizes one RunOnce pass.
type CycleStats struct {
	Claimed    int
	Completed  int
	Retried    int
	DeadLetter int
}

// Runner drains the work queue.
type Runner struct {
	store    queue.Store
	registry *Registry
	opts     Options

	provider *observability.Provider
	slos     *observability.SLOTracker
	clock    func() time.Time
	logger   *slog.Logger
}

func New(store queue.Store, registry *Registry, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = 25
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 60 * time.Second
	}
	return &Runner{
		store:    store,
		registry: registry,
		opts:     opts,
		clock:    time.Now,
		logger:   logger.With("component", "runner"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// WithProvider attaches telemetry. Execution works without it.
func (r *Runner) WithProvider(p *observability.Provider) *Runner {
	r.provider = p
	return r
}

// WithSLOTracker records per-type execution latency and success against the
// given tracker.
func (r *Runner) WithSLOTracker(t *observability.SLOTracker) *Runner {
	r.slos = t
	return r
}

// Run polls the queue at the given interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "run cycle failed", "error", err)
			}
		}
	}
}

// RunOnce claims up to ClaimLimit due items and executes them with bounded
// concurrency. It returns once every claimed item has reached its next state.
func (r *Runner) RunOnce(ctx context.Context) (CycleStats, error) {
	now := r.clock().UTC()
	claimed, err := r.store.Claim(ctx, now, r.opts.ClaimLimit, r.opts.Types)
	if err != nil {
		return CycleStats{}, fmt.Errorf("runner: claim failed: %w", err)
	}
	if len(claimed) == 0 {
		return CycleStats{}, nil
	}

	stats := CycleStats{Claimed: len(claimed)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.opts.Concurrency)

	for _, item := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(item *queue.WorkItem) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := r.process(ctx, item)
			mu.Lock()
			switch outcome {
			case outcomeCompleted:
				stats.Completed++
			case outcomeRetried:
				stats.Retried++
			case outcomeDeadLetter:
				stats.DeadLetter++
			}
			mu.Unlock()
		}(item)
	}
	wg.Wait()

	r.logger.InfoContext(ctx, "run cycle finished",
		"claimed", stats.Claimed,
		"completed", stats.Completed,
		"retried", stats.Retried,
		"dead_letter", stats.DeadLetter,
	)
	return stats, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeDeadLetter
	outcomeLost
)

func (r *Runner) process(ctx context.Context, item *queue.WorkItem) outcome {
	var finish func(error)
	if r.provider != nil {
		ctx, finish = r.provider.TrackOperation(ctx, "runner.execute",
			attribute.String("forzeo.job.type", item.Type),
			attribute.String("forzeo.job.id", item.ID),
		)
	}

	handler, ok := r.registry.Lookup(item.Type)
	if !ok {
		err := fmt.Errorf("no handler registered for type %q", item.Type)
		if finish != nil {
			finish(err)
		}
		return r.fail(ctx, item, err, true)
	}

	started := time.Now()
	result, err := r.execute(ctx, handler, item)
	if finish != nil {
		finish(err)
	}
	if r.slos != nil {
		r.slos.Record(observability.SLOObservation{
			Operation: item.Type,
			Latency:   time.Since(started),
			Success:   err == nil,
		})
	}
	if err != nil {
		var perm *PermanentError
		return r.fail(ctx, item, err, errors.As(err, &perm))
	}

	if markErr := r.store.MarkCompleted(ctx, item.ID, result, r.clock().UTC()); markErr != nil {
		r.logger.ErrorContext(ctx, "failed to mark item completed",
			"item_id", item.ID, "error", markErr)
		return outcomeLost
	}
	return outcomeCompleted
}

// execute runs the handler under its deadline and converts panics into
// errors so one bad payload cannot take down the runner.
func (r *Runner) execute(ctx context.Context, handler Handler, item *queue.WorkItem) (result []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.HandlerTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "handler panicked",
				"item_id", item.ID,
				"type", item.Type,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return handler.Handle(ctx, item)
}

// fail reschedules the item with exponential backoff, or dead-letters it when
// the error is permanent or the retry budget is spent. Backoff doubles per
// attempt: 2 minutes after the first failure, 4 after the second, 8 after
// the third.
func (r *Runner) fail(ctx context.Context, item *queue.WorkItem, cause error, permanent bool) outcome {
	now := r.clock().UTC()

	if permanent || item.RetryCount >= item.MaxRetries {
		if err := r.store.MarkDeadLetter(ctx, item.ID, cause.Error(), now); err != nil {
			r.logger.ErrorContext(ctx, "failed to dead-letter item", "item_id", item.ID, "error", err)
			return outcomeLost
		}
		r.logger.WarnContext(ctx, "item moved to dead letter",
			"item_id", item.ID,
			"type", item.Type,
			"retry_count", item.RetryCount,
			"permanent", permanent,
			"error", cause.Error(),
		)
		return outcomeDeadLetter
	}

	nextRun := now.Add(time.Duration(1<<(item.RetryCount+1)) * time.Minute)
	if err := r.store.MarkRetry(ctx, item.ID, cause.Error(), nextRun); err != nil {
		r.logger.ErrorContext(ctx, "failed to schedule retry", "item_id", item.ID, "error", err)
		return outcomeLost
	}
	r.logger.InfoContext(ctx, "item scheduled for retry",
		"item_id", item.ID,
		"type", item.Type,
		"attempt", item.RetryCount+1,
		"next_run", nextRun,
		"error", cause.Error(),
	)
	return outcomeRetried
}

// Replay resets a dead letter item so it is claimed again on the next cycle.
func (r *Runner) Replay(ctx context.Context, itemID string) error {
	if err := r.store.Replay(ctx, itemID, r.clock().UTC()); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "dead letter item replayed", "item_id", itemID)
	return nil
}

// SweepRetention deletes terminal items older than the retention window.
func (r *Runner) SweepRetention(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.clock().UTC().Add(-retention)
	purged, err := r.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("runner: retention sweep failed: %w", err)
	}
	if purged > 0 {
		r.logger.InfoContext(ctx, "retention sweep purged items", "purged", purged, "cutoff", cutoff)
	}
	return purged, nil
}
