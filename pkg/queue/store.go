package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrItemNotFound is returned when a work item does not exist.
	ErrItemNotFound = errors.New("queue: work item not found")
	// ErrBatchNotFound is returned when a batch does not exist.
	ErrBatchNotFound = errors.New("queue: batch not found")
	// ErrNotReplayable is returned when replay is attempted on an item that
	// is not in the dead-letter state.
	ErrNotReplayable = errors.New("queue: only dead_letter items can be replayed")
	// ErrNotClaimed is returned when a transition is applied to an item that
	// is not currently processing.
	ErrNotClaimed = errors.New("queue: item is not processing")
)

// Store persists work items and batches. Claim must be an atomic conditional
// update: a row is returned at most once across concurrent claimers, and only
// while it is still pending with scheduled_for in the past.
type Store interface {
	CreateBatch(ctx context.Context, batch *Batch, items []*WorkItem) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	Counts(ctx context.Context, batchID string) (Counts, error)
	SetBatchStatus(ctx context.Context, batchID string, status BatchStatus) error

	GetItem(ctx context.Context, id string) (*WorkItem, error)

	// Claim atomically selects up to limit pending items eligible at now
	// (scheduled_for <= now), ordered by priority descending then
	// scheduled_for ascending, and marks them processing.
	Claim(ctx context.Context, now time.Time, limit int, types []string) ([]*WorkItem, error)

	// MarkCompleted transitions a processing item to completed.
	MarkCompleted(ctx context.Context, id string, result []byte, completedAt time.Time) error

	// MarkRetry transitions a processing item back to pending, incrementing
	// retry_count and rescheduling it at nextRun.
	MarkRetry(ctx context.Context, id string, errMsg string, nextRun time.Time) error

	// MarkDeadLetter transitions a processing item to the terminal
	// dead_letter state.
	MarkDeadLetter(ctx context.Context, id string, errMsg string, completedAt time.Time) error

	// Replay resets a dead_letter item: status pending, retry_count zero,
	// error cleared, eligible immediately.
	Replay(ctx context.Context, id string, now time.Time) error

	// CancelPending cancels all still-pending items of a batch and returns
	// how many were cancelled. Processing and completed items are untouched.
	CancelPending(ctx context.Context, batchID string, now time.Time) (int, error)

	// Purge deletes completed and dead_letter items older than the horizon.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
