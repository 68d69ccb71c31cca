// Package queue implements the durable work queue and batch admission for
// analysis jobs. Work items move through an explicit state machine with
// retry, backoff, and a terminal dead-letter state; batches group items and
// are admitted against per-type size limits and organization budgets.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a WorkItem.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further automatic transitions apply.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchCancelled  BatchStatus = "cancelled"
)

// WorkItem is one schedulable unit of work.
type WorkItem struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	BatchID      string          `json:"batch_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Batch is an owning group of WorkItems. TotalJobs is fixed at creation.
type Batch struct {
	ID                  string      `json:"id"`
	OrgID               string      `json:"org_id"`
	Type                string      `json:"type"`
	TotalJobs           int         `json:"total_jobs"`
	Status              BatchStatus `json:"status"`
	EstimatedCostCents  int64       `json:"estimated_cost_cents"`
	ActualCostCents     int64       `json:"actual_cost_cents"`
	EstimatedCompletion time.Time   `json:"estimated_completion"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Counts are live per-batch aggregates derived from item state.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	DeadLetter int `json:"dead_letter"`
	Cancelled  int `json:"cancelled"`
}

// Failed returns the count of terminally failed items.
func (c Counts) Failed() int { return c.DeadLetter }

// Progress returns completion as a percentage of total jobs.
func (c Counts) Progress() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed+c.DeadLetter+c.Cancelled) / float64(c.Total) * 100
}

// DeriveStatus maps live counts onto the batch state machine. Cancelled is
// sticky: it is set by Cancel and never recomputed here.
func (c Counts) DeriveStatus(current BatchStatus) BatchStatus {
	if current == BatchCancelled {
		return BatchCancelled
	}
	done := c.Completed + c.DeadLetter + c.Cancelled
	switch {
	case c.Total > 0 && done == c.Total:
		return BatchCompleted
	case c.Processing > 0 || done > 0:
		return BatchProcessing
	default:
		return BatchPending
	}
}

// ValidationError reports a rejected submission. Validation failures are
// returned to the caller synchronously and never enqueued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue: validation failed on %s: %s", e.Field, e.Message)
}

// BudgetExceededError reports that admission would exceed the organization's
// spend limit.
type BudgetExceededError struct {
	OrgID              string
	EstimatedCostCents int64
	CurrentUsageCents  int64
	LimitCents         int64
	PercentOfLimit     float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("queue: budget exceeded for org %s: usage %d + cost %d over limit %d cents (%.1f%% used)",
		e.OrgID, e.CurrentUsageCents, e.EstimatedCostCents, e.LimitCents, e.PercentOfLimit)
}
