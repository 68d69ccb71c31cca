package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL. Reservations run in a
// transaction with the budget row locked, so concurrent submissions serialize
// on the row instead of racing a stale check.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS org_budgets (
			org_id              TEXT PRIMARY KEY,
			monthly_limit_cents BIGINT NOT NULL,
			monthly_used_cents  BIGINT NOT NULL DEFAULT 0,
			last_updated        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to migrate org_budgets: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Get(ctx context.Context, orgID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT org_id, monthly_limit_cents, monthly_used_cents, last_updated FROM org_budgets WHERE org_id = $1",
		orgID)

	var b Budget
	err := row.Scan(&b.OrgID, &b.MonthlyLimitCents, &b.MonthlyUsedCents, &b.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil // Not found is valid, enforcer treats it as unconstrained
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return &b, nil
}

func (s *PostgresStorage) SetLimit(ctx context.Context, orgID string, monthlyCents int64) error {
	query := `
		INSERT INTO org_budgets (org_id, monthly_limit_cents, monthly_used_cents, last_updated)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (org_id) DO UPDATE SET
			monthly_limit_cents = EXCLUDED.monthly_limit_cents
	`
	_, err := s.db.ExecContext(ctx, query, orgID, monthlyCents)
	if err != nil {
		return fmt.Errorf("failed to set limit: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Reserve(ctx context.Context, orgID string, amountCents int64, now time.Time) (*Budget, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT org_id, monthly_limit_cents, monthly_used_cents, last_updated FROM org_budgets WHERE org_id = $1 FOR UPDATE",
		orgID)

	var b Budget
	err = row.Scan(&b.OrgID, &b.MonthlyLimitCents, &b.MonthlyUsedCents, &b.LastUpdated)
	if err == sql.ErrNoRows {
		// Unconstrained organization: track usage but never deny.
		b = Budget{OrgID: orgID}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO org_budgets (org_id, monthly_limit_cents, monthly_used_cents, last_updated) VALUES ($1, 0, $2, $3)",
			orgID, amountCents, now); err != nil {
			return nil, false, fmt.Errorf("failed to create budget row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit reservation: %w", err)
		}
		b.MonthlyUsedCents = amountCents
		b.LastUpdated = now
		return &b, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read budget: %w", err)
	}

	// Monthly usage resets when the period rolls over.
	if b.LastUpdated.UTC().Month() != now.Month() || b.LastUpdated.UTC().Year() != now.Year() {
		b.MonthlyUsedCents = 0
	}

	if b.MonthlyLimitCents > 0 && b.MonthlyUsedCents+amountCents > b.MonthlyLimitCents {
		return &b, false, nil
	}

	b.MonthlyUsedCents += amountCents
	b.LastUpdated = now
	if _, err := tx.ExecContext(ctx,
		"UPDATE org_budgets SET monthly_used_cents = $2, last_updated = $3 WHERE org_id = $1",
		orgID, b.MonthlyUsedCents, now); err != nil {
		return nil, false, fmt.Errorf("failed to persist reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return &b, true, nil
}

func (s *PostgresStorage) Release(ctx context.Context, orgID string, amountCents int64, now time.Time) error {
	query := `
		UPDATE org_budgets
		SET monthly_used_cents = GREATEST(monthly_used_cents - $2, 0), last_updated = $3
		WHERE org_id = $1
	`
	_, err := s.db.ExecContext(ctx, query, orgID, amountCents, now)
	if err != nil {
		return fmt.Errorf("failed to release budget: %w", err)
	}
	return nil
}
