package sla

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const insightColumns = `id, org_id, title, status, sla_hours, deadline, overdue, created_at, completed_at`

// PostgresStore implements Store on PostgreSQL. The overdue flag flip and
// row selection happen in one UPDATE ... RETURNING, which makes the sweep
// idempotent and race-free across concurrent escalators.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the insights table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS prioritized_insights (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			sla_hours INTEGER NOT NULL DEFAULT 0,
			deadline TIMESTAMPTZ,
			overdue BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`)
	if err != nil {
		return fmt.Errorf("sla: migration failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, insight *Insight) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prioritized_insights (`+insightColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		insight.ID, insight.OrgID, insight.Title, insight.Status, insight.SLAHours,
		insight.Deadline, insight.Overdue, insight.CreatedAt, insight.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Insight, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+insightColumns+" FROM prioritized_insights WHERE id = $1", id)
	insight, err := scanInsight(row)
	if err == sql.ErrNoRows {
		return nil, ErrInsightNotFound
	}
	return insight, err
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status InsightStatus, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prioritized_insights SET status = $2, completed_at = $3 WHERE id = $1`,
		id, status, completedAt)
	if err != nil {
		return fmt.Errorf("failed to set insight status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsightNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimOverdue(ctx context.Context, now time.Time) ([]*Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE prioritized_insights SET overdue = TRUE
		WHERE deadline < $1
		  AND status IN ('pending', 'acknowledged', 'in_progress')
		  AND overdue = FALSE
		RETURNING `+insightColumns, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim overdue insights: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanInsights(rows)
}

func (s *PostgresStore) DeadlinesInWindow(ctx context.Context, from, to time.Time) ([]*Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+insightColumns+` FROM prioritized_insights
		WHERE deadline >= $1 AND deadline < $2
		ORDER BY deadline`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query deadlines: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanInsights(rows)
}

func scanInsights(rows *sql.Rows) ([]*Insight, error) {
	var out []*Insight
	for rows.Next() {
		insight, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, insight)
	}
	return out, rows.Err()
}

func scanInsight(row interface{ Scan(...any) error }) (*Insight, error) {
	var (
		insight     Insight
		deadline    sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&insight.ID, &insight.OrgID, &insight.Title, &insight.Status,
		&insight.SLAHours, &deadline, &insight.Overdue, &insight.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		insight.Deadline = deadline.Time
	}
	if completedAt.Valid {
		insight.CompletedAt = &completedAt.Time
	}
	return &insight, nil
}
