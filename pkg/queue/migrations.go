package queue

import "context"

// Migrate creates the queue tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			type TEXT NOT NULL,
			total_jobs INTEGER NOT NULL,
			status TEXT NOT NULL,
			estimated_cost_cents BIGINT NOT NULL DEFAULT 0,
			actual_cost_cents BIGINT NOT NULL DEFAULT 0,
			estimated_completion TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			scheduled_for TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			result JSONB,
			batch_id TEXT REFERENCES batches(id),
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_claim
			ON work_items (priority DESC, scheduled_for ASC)
			WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_batch ON work_items (batch_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
