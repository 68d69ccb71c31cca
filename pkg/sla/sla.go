// Package sla sweeps prioritized insights for deadline breaches. The sweep
// is idempotent: only rows not yet flagged overdue are escalated, so running
// it twice back to back escalates nothing new the second time.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forzeo/forzeo-core/pkg/notify"
)

// InsightStatus is the workflow state of a prioritized insight.
type InsightStatus string

const (
	InsightPending      InsightStatus = "pending"
	InsightAcknowledged InsightStatus = "acknowledged"
	InsightInProgress   InsightStatus = "in_progress"
	InsightCompleted    InsightStatus = "completed"
	InsightDismissed    InsightStatus = "dismissed"
)

var ErrInsightNotFound = errors.New("sla: insight not found")

// Insight is the SLA-relevant slice of a prioritized insight.
type Insight struct {
	ID          string        `json:"id"`
	OrgID       string        `json:"org_id"`
	Title       string        `json:"title"`
	Status      InsightStatus `json:"status"`
	SLAHours    int           `json:"sla_hours"`
	Deadline    time.Time     `json:"deadline"`
	Overdue     bool          `json:"overdue"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Store persists insights. ClaimOverdue atomically flags and returns the
// rows that crossed their deadline, so concurrent sweeps cannot escalate the
// same insight twice.
type Store interface {
	Create(ctx context.Context, insight *Insight) error
	Get(ctx context.Context, id string) (*Insight, error)
	SetStatus(ctx context.Context, id string, status InsightStatus, completedAt *time.Time) error
	ClaimOverdue(ctx context.Context, now time.Time) ([]*Insight, error)
	// DeadlinesInWindow returns insights whose deadline falls inside
	// [from, to), completed or not.
	DeadlinesInWindow(ctx context.Context, from, to time.Time) ([]*Insight, error)
}

// ComplianceReport summarizes SLA adherence over a trailing window.
type ComplianceReport struct {
	From              time.Time `json:"from"`
	To                time.Time `json:"to"`
	TotalWithDeadline int       `json:"total_with_deadline"`
	CompletedOnTime   int       `json:"completed_on_time"`
	ComplianceRate    float64   `json:"compliance_rate"`
}

// Escalator flags overdue insights and emits escalation notifications.
type Escalator struct {
	store  Store
	sink   notify.Sink
	clock  func() time.Time
	logger *slog.Logger
}

func NewEscalator(store Store, sink notify.Sink, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{
		store:  store,
		sink:   sink,
		clock:  time.Now,
		logger: logger.With("component", "sla"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Escalator) WithClock(clock func() time.Time) *Escalator {
	e.clock = clock
	return e
}

// Sweep escalates every insight whose deadline has passed while still in an
// open state. Returns the number escalated in this pass.
func (e *Escalator) Sweep(ctx context.Context) (int, error) {
	now := e.clock().UTC()
	overdue, err := e.store.ClaimOverdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sla: sweep failed: %w", err)
	}

	for _, insight := range overdue {
		notify.Emit(ctx, e.sink, notify.Event{
			Type:     notify.TypeSLAEscalation,
			Severity: notify.SeverityWarning,
			Message: fmt.Sprintf("insight %q missed its %dh SLA (deadline %s)",
				insight.Title, insight.SLAHours, insight.Deadline.Format(time.RFC3339)),
			Metadata: map[string]any{
				"insight_id": insight.ID,
				"org_id":     insight.OrgID,
				"deadline":   insight.Deadline,
				"status":     insight.Status,
			},
			At: now,
		}, e.logger)
	}

	if len(overdue) > 0 {
		e.logger.InfoContext(ctx, "sla sweep escalated insights", "escalated", len(overdue))
	}
	return len(overdue), nil
}

// Compliance reports the on-time completion rate for insights whose deadline
// fell inside the window. On time means completed_at <= deadline.
func (e *Escalator) Compliance(ctx context.Context, from, to time.Time) (*ComplianceReport, error) {
	insights, err := e.store.DeadlinesInWindow(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("sla: compliance query failed: %w", err)
	}

	report := &ComplianceReport{From: from, To: to}
	for _, insight := range insights {
		if insight.Deadline.IsZero() {
			continue
		}
		report.TotalWithDeadline++
		if insight.CompletedAt != nil && !insight.CompletedAt.After(insight.Deadline) {
			report.CompletedOnTime++
		}
	}
	if report.TotalWithDeadline > 0 {
		report.ComplianceRate = float64(report.CompletedOnTime) / float64(report.TotalWithDeadline) * 100
	}
	return report, nil
}
