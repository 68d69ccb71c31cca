package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const workItemColumns = `id, org_id, type, payload, status, priority, retry_count, max_retries,
	scheduled_for, started_at, completed_at, error_message, result, batch_id, created_at`

// PostgresStore implements Store using PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent runners never double-process a row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *Batch, items []*WorkItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, org_id, type, total_jobs, status, estimated_cost_cents, actual_cost_cents, estimated_completion, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		batch.ID, batch.OrgID, batch.Type, batch.TotalJobs, batch.Status,
		batch.EstimatedCostCents, batch.ActualCostCents, batch.EstimatedCompletion, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO work_items (`+workItemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			item.ID, item.OrgID, item.Type, []byte(item.Payload), item.Status, item.Priority,
			item.RetryCount, item.MaxRetries, item.ScheduledFor, item.StartedAt, item.CompletedAt,
			item.ErrorMessage, []byte(item.Result), item.BatchID, item.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert work item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, type, total_jobs, status, estimated_cost_cents, actual_cost_cents, estimated_completion, created_at
		FROM batches WHERE id = $1`, batchID)

	var b Batch
	err := row.Scan(&b.ID, &b.OrgID, &b.Type, &b.TotalJobs, &b.Status,
		&b.EstimatedCostCents, &b.ActualCostCents, &b.EstimatedCompletion, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) Counts(ctx context.Context, batchID string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM work_items WHERE batch_id = $1 GROUP BY status", batchID)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count batch items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var c Counts
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		c.Total += n
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusProcessing:
			c.Processing = n
		case StatusCompleted:
			c.Completed = n
		case StatusDeadLetter:
			c.DeadLetter = n
		case StatusCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

func (s *PostgresStore) SetBatchStatus(ctx context.Context, batchID string, status BatchStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE batches SET status = $2 WHERE id = $1", batchID, status)
	if err != nil {
		return fmt.Errorf("failed to set batch status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+workItemColumns+" FROM work_items WHERE id = $1", id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	return item, err
}

func (s *PostgresStore) Claim(ctx context.Context, now time.Time, limit int, types []string) ([]*WorkItem, error) {
	// Locked subselect plus conditional update: a row is claimed only if it
	// is still pending, and SKIP LOCKED keeps concurrent claimers from
	// blocking on each other's candidate rows.
	query := `
		UPDATE work_items SET status = 'processing', started_at = $1
		WHERE id IN (
			SELECT id FROM work_items
			WHERE status = 'pending'
			  AND scheduled_for <= $1
			  AND ($3::text[] IS NULL OR type = ANY($3))
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + workItemColumns

	var typeArg interface{}
	if len(types) > 0 {
		typeArg = pq.Array(types)
	}

	rows, err := s.db.QueryContext(ctx, query, now, limit, typeArg)
	if err != nil {
		return nil, fmt.Errorf("failed to claim work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, item)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, result []byte, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'completed', result = $2, completed_at = $3, error_message = ''
		WHERE id = $1 AND status = 'processing'`,
		id, result, completedAt)
	return transitionErr(res, err, "complete")
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id string, errMsg string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'pending', retry_count = retry_count + 1, scheduled_for = $3,
		    error_message = $2, started_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, errMsg, nextRun)
	return transitionErr(res, err, "retry")
}

func (s *PostgresStore) MarkDeadLetter(ctx context.Context, id string, errMsg string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'dead_letter', error_message = $2, completed_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, errMsg, completedAt)
	return transitionErr(res, err, "dead-letter")
}

func (s *PostgresStore) Replay(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'pending', retry_count = 0, error_message = '',
		    scheduled_for = $2, started_at = NULL, completed_at = NULL
		WHERE id = $1 AND status = 'dead_letter'`,
		id, now)
	if err != nil {
		return fmt.Errorf("failed to replay item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotReplayable
	}
	return nil
}

func (s *PostgresStore) CancelPending(ctx context.Context, batchID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = 'cancelled', completed_at = $2
		WHERE batch_id = $1 AND status = 'pending'`,
		batchID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM work_items
		WHERE status IN ('completed', 'dead_letter') AND completed_at < $1`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge work items: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	var (
		item      WorkItem
		payload   []byte
		result    []byte
		startedAt sql.NullTime
		doneAt    sql.NullTime
		errMsg    sql.NullString
		batchID   sql.NullString
	)
	err := row.Scan(&item.ID, &item.OrgID, &item.Type, &payload, &item.Status, &item.Priority,
		&item.RetryCount, &item.MaxRetries, &item.ScheduledFor, &startedAt, &doneAt,
		&errMsg, &result, &batchID, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	item.Payload = payload
	item.Result = result
	if startedAt.Valid {
		item.StartedAt = &startedAt.Time
	}
	if doneAt.Valid {
		item.CompletedAt = &doneAt.Time
	}
	item.ErrorMessage = errMsg.String
	item.BatchID = batchID.String
	return &item, nil
}

func transitionErr(res sql.Result, err error, action string) error {
	if err != nil {
		return fmt.Errorf("failed to %s item: %w", action, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	return nil
}
