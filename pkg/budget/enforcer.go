package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Storage handles persistence of budget data. Reserve must apply the
// check-then-increment as one atomic step against its backing store.
type Storage interface {
	Get(ctx context.Context, orgID string) (*Budget, error)
	SetLimit(ctx context.Context, orgID string, monthlyCents int64) error

	// Reserve atomically adds amount to the organization's usage iff the
	// result stays within the limit. It returns the budget as of the
	// decision and whether the reservation was applied.
	Reserve(ctx context.Context, orgID string, amountCents int64, now time.Time) (*Budget, bool, error)

	// Release subtracts amount from usage, flooring at zero.
	Release(ctx context.Context, orgID string, amountCents int64, now time.Time) error
}

// StorageEnforcer implements fail-closed budget enforcement on top of a
// Storage backend.
type StorageEnforcer struct {
	storage Storage
	logger  *slog.Logger
	clock   func() time.Time
}

// NewStorageEnforcer creates a new enforcer with the given storage.
func NewStorageEnforcer(s Storage, logger *slog.Logger) *StorageEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageEnforcer{
		storage: s,
		logger:  logger.With("component", "budget"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *StorageEnforcer) WithClock(clock func() time.Time) *StorageEnforcer {
	e.clock = clock
	return e
}

func (e *StorageEnforcer) GetBudget(ctx context.Context, orgID string) (*Budget, error) {
	return e.storage.Get(ctx, orgID)
}

func (e *StorageEnforcer) SetLimit(ctx context.Context, orgID string, monthlyCents int64) error {
	return e.storage.SetLimit(ctx, orgID, monthlyCents)
}

// CheckAndReserve verifies a cost can be incurred and reserves it atomically.
// FAIL-CLOSED: any storage error results in denial.
func (e *StorageEnforcer) CheckAndReserve(ctx context.Context, orgID string, cost Cost) (*Decision, error) {
	now := e.clock().UTC()

	b, ok, err := e.storage.Reserve(ctx, orgID, cost.AmountCents, now)
	if err != nil {
		e.logger.ErrorContext(ctx, "budget reservation failed",
			"org_id", orgID, "cost_cents", cost.AmountCents, "error", err)
		return &Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("budget check failed: %v", err),
			Receipt: e.createReceipt(orgID, "denied", cost.AmountCents, "internal_error", now),
		}, err
	}

	if !ok {
		return &Decision{
			Allowed:           false,
			Reason:            fmt.Sprintf("budget exceeded: %d + %d > %d cents", b.MonthlyUsedCents, cost.AmountCents, b.MonthlyLimitCents),
			CurrentUsageCents: b.MonthlyUsedCents,
			LimitCents:        b.MonthlyLimitCents,
			PercentOfLimit:    b.PercentUsed(),
			Receipt:           e.createReceipt(orgID, "denied", cost.AmountCents, "limit_exceeded", now),
		}, nil
	}

	return &Decision{
		Allowed:           true,
		Reason:            "within limits",
		CurrentUsageCents: b.MonthlyUsedCents,
		LimitCents:        b.MonthlyLimitCents,
		PercentOfLimit:    b.PercentUsed(),
		Receipt:           e.createReceipt(orgID, "allowed", cost.AmountCents, "ok", now),
	}, nil
}

// Release returns reserved budget after a cancellation.
func (e *StorageEnforcer) Release(ctx context.Context, orgID string, cost Cost) error {
	return e.storage.Release(ctx, orgID, cost.AmountCents, e.clock().UTC())
}

func (e *StorageEnforcer) createReceipt(orgID, action string, cost int64, reason string, now time.Time) *EnforcementReceipt {
	return &EnforcementReceipt{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Action:    action,
		CostCents: cost,
		Reason:    reason,
		Timestamp: now,
	}
}
