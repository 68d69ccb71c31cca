package queue_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/forzeo/forzeo-core/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var workItemCols = []string{
	"id", "org_id", "type", "payload", "status", "priority", "retry_count", "max_retries",
	"scheduled_for", "started_at", "completed_at", "error_message", "result", "batch_id", "created_at",
}

func TestPostgresClaim_ReturnsClaimedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now().UTC()
	mock.ExpectQuery(`UPDATE work_items SET status = 'processing'`).
		WithArgs(now, 25, nil).
		WillReturnRows(sqlmock.NewRows(workItemCols).
			AddRow("item-1", "org-1", "prompt_analysis", []byte(`{}`), "processing", 5, 0, 3,
				now.Add(-time.Minute), now, nil, nil, nil, "batch-1", now.Add(-time.Minute)))

	store := queue.NewPostgresStore(db)
	claimed, err := store.Claim(context.Background(), now, 25, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "item-1", claimed[0].ID)
	assert.Equal(t, queue.StatusProcessing, claimed[0].Status)
	assert.Equal(t, "batch-1", claimed[0].BatchID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkRetry_RequiresProcessingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	nextRun := time.Now().UTC().Add(2 * time.Minute)
	mock.ExpectExec(`UPDATE work_items`).
		WithArgs("item-1", "engine timeout", nextRun).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := queue.NewPostgresStore(db)
	err = store.MarkRetry(context.Background(), "item-1", "engine timeout", nextRun)
	assert.ErrorIs(t, err, queue.ErrNotClaimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetBatch_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("FROM batches WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := queue.NewPostgresStore(db)
	_, err = store.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, queue.ErrBatchNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateBatch_RollsBackOnItemFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now().UTC()
	batch := &queue.Batch{ID: "batch-1", OrgID: "org-1", Type: "prompt_analysis",
		TotalJobs: 1, Status: queue.BatchPending, EstimatedCompletion: now, CreatedAt: now}
	item := &queue.WorkItem{ID: "item-1", OrgID: "org-1", Type: "prompt_analysis",
		Status: queue.StatusPending, MaxRetries: 3, ScheduledFor: now, BatchID: "batch-1", CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batches`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO work_items`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	store := queue.NewPostgresStore(db)
	err = store.CreateBatch(context.Background(), batch, []*queue.WorkItem{item})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPurge_ReportsDeletedCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM work_items`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	store := queue.NewPostgresStore(db)
	n, err := store.Purge(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
