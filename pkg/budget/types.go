// Package budget provides per-organization spend enforcement for batch
// admission. Checks reserve budget atomically with the decision so two
// concurrent submissions can never both pass a stale check.
package budget

import (
	"context"
	"time"
)

// Cost represents a cost estimate for an operation.
type Cost struct {
	AmountCents int64  // In cents
	Currency    string // e.g., "USD"
	Reason      string // What the cost is for
}

// Budget represents an organization's spend limit and current usage.
// A zero MonthlyLimitCents means the organization has no budget configured
// and is not constrained.
type Budget struct {
	OrgID             string    `json:"org_id"`
	MonthlyLimitCents int64     `json:"monthly_limit_cents"`
	MonthlyUsedCents  int64     `json:"monthly_used_cents"`
	LastUpdated       time.Time `json:"last_updated"`
}

// RemainingCents returns how much budget is remaining for the month.
func (b *Budget) RemainingCents() int64 {
	remaining := b.MonthlyLimitCents - b.MonthlyUsedCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PercentUsed returns current usage as a percentage of the limit.
func (b *Budget) PercentUsed() float64 {
	if b.MonthlyLimitCents <= 0 {
		return 0
	}
	return float64(b.MonthlyUsedCents) / float64(b.MonthlyLimitCents) * 100
}

// Decision represents the result of a budget check.
type Decision struct {
	Allowed           bool                `json:"allowed"`
	Reason            string              `json:"reason"`
	CurrentUsageCents int64               `json:"current_usage_cents"`
	LimitCents        int64               `json:"limit_cents"`
	PercentOfLimit    float64             `json:"percent_of_limit"`
	Receipt           *EnforcementReceipt `json:"receipt,omitempty"`
}

// EnforcementReceipt provides evidence of budget enforcement.
type EnforcementReceipt struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Action    string    `json:"action"` // "allowed" or "denied"
	CostCents int64     `json:"cost_cents"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Enforcer is the interface for budget enforcement.
type Enforcer interface {
	// CheckAndReserve verifies a cost can be incurred and reserves it in the
	// same atomic step. Fails closed on storage errors.
	CheckAndReserve(ctx context.Context, orgID string, cost Cost) (*Decision, error)

	// Release returns previously reserved budget, e.g. when a batch is
	// cancelled before its items ran.
	Release(ctx context.Context, orgID string, cost Cost) error

	// GetBudget retrieves current budget status for an organization.
	GetBudget(ctx context.Context, orgID string) (*Budget, error)

	// SetLimit updates the monthly spend limit for an organization.
	SetLimit(ctx context.Context, orgID string, monthlyCents int64) error
}
