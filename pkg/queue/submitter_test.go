package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/forzeo/forzeo-core/pkg/budget"
	"github.com/forzeo/forzeo-core/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const promptAnalysisSchema = `{
	"type": "object",
	"required": ["prompt_id", "prompt", "brand"],
	"properties": {
		"prompt_id": {"type": "string", "minLength": 1},
		"prompt":    {"type": "string", "minLength": 1},
		"brand":     {"type": "string", "minLength": 1}
	}
}`

func newTestSubmitter(t *testing.T, store queue.Store, enforcer budget.Enforcer) *queue.Submitter {
	t.Helper()
	sub := queue.NewSubmitter(store, enforcer, 60, nil)
	require.NoError(t, sub.RegisterType(queue.TypeSpec{
		Name:             "prompt_analysis",
		MaxBatchSize:     5000,
		CostPerItemCents: 1, // half-cent costs rounded up at registration in prod config
		MaxRetries:       3,
		Schema:           promptAnalysisSchema,
	}))
	return sub
}

func analysisPayloads(n int) []json.RawMessage {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(
			`{"prompt_id":"p-%d","prompt":"best running shoes","brand":"acme"}`, i))
	}
	return items
}

func TestSubmit_AdmitsValidBatch(t *testing.T) {
	store := queue.NewMemoryStore()
	enforcer := budget.NewStorageEnforcer(budget.NewMemoryStore(), nil)
	sub := newTestSubmitter(t, store, enforcer)

	batch, err := sub.Submit(context.Background(), queue.SubmitRequest{
		OrgID:    "org-1",
		Type:     "prompt_analysis",
		Priority: 3,
		Items:    analysisPayloads(10),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, 10, batch.TotalJobs)
	assert.Equal(t, queue.BatchPending, batch.Status)
	assert.Equal(t, int64(10), batch.EstimatedCostCents)

	view, err := sub.Status(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, view.Counts.Pending)
	assert.Equal(t, float64(0), view.ProgressPercentage)
}

func TestSubmit_RejectsUnknownType(t *testing.T) {
	sub := newTestSubmitter(t, queue.NewMemoryStore(), budget.NewStorageEnforcer(budget.NewMemoryStore(), nil))

	_, err := sub.Submit(context.Background(), queue.SubmitRequest{
		OrgID: "org-1",
		Type:  "sentiment_scan",
		Items: analysisPayloads(1),
	})
	var verr *queue.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)
}

func TestSubmit_RejectsEmptyAndOversizeBatches(t *testing.T) {
	store := queue.NewMemoryStore()
	enforcer := budget.NewStorageEnforcer(budget.NewMemoryStore(), nil)
	sub := queue.NewSubmitter(store, enforcer, 60, nil)
	require.NoError(t, sub.RegisterType(queue.TypeSpec{
		Name: "prompt_analysis", MaxBatchSize: 3, CostPerItemCents: 1, MaxRetries: 3,
	}))

	_, err := sub.Submit(context.Background(), queue.SubmitRequest{
		OrgID: "org-1", Type: "prompt_analysis", Items: nil,
	})
	var verr *queue.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = sub.Submit(context.Background(), queue.SubmitRequest{
		OrgID: "org-1", Type: "prompt_analysis", Items: analysisPayloads(4),
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "exceeds limit")
}

func TestSubmit_RejectsPayloadFailingSchema(t *testing.T) {
	sub := newTestSubmitter(t, queue.NewMemoryStore(), budget.NewStorageEnforcer(budget.NewMemoryStore(), nil))

	_, err := sub.Submit(context.Background(), queue.SubmitRequest{
		OrgID: "org-1",
		Type:  "prompt_analysis",
		Items: []json.RawMessage{json.RawMessage(`{"prompt_id":"p-1"}`)},
	})
	var verr *queue.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "schema validation")
}

func TestSubmit_BudgetExceededRejectsBeforeInsert(t *testing.T) {
	store := queue.NewMemoryStore()
	budgetStore := budget.NewMemoryStore()
	enforcer := budget.NewStorageEnforcer(budgetStore, nil)
	ctx := context.Background()

	// $4.00 remaining; a thousand jobs at 0.5 cents each costs $5.00.
	require.NoError(t, enforcer.SetLimit(ctx, "org-1", 400))

	sub := queue.NewSubmitter(store, enforcer, 60, nil)
	require.NoError(t, sub.RegisterType(queue.TypeSpec{
		Name: "prompt_analysis", MaxBatchSize: 5000, CostPerItemCents: 1, MaxRetries: 3,
	}))

	_, err := sub.Submit(ctx, queue.SubmitRequest{
		OrgID: "org-1",
		Type:  "prompt_analysis",
		Items: analysisPayloads(500),
	})
	var berr *queue.BudgetExceededError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, int64(500), berr.EstimatedCostCents)
	assert.Equal(t, int64(400), berr.LimitCents)

	// Rejection happens before any row exists, and no budget is consumed.
	b, err := enforcer.GetBudget(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.MonthlyUsedCents)
}

func TestSubmit_ReservationConsumesBudget(t *testing.T) {
	store := queue.NewMemoryStore()
	enforcer := budget.NewStorageEnforcer(budget.NewMemoryStore(), nil)
	ctx := context.Background()
	require.NoError(t, enforcer.SetLimit(ctx, "org-1", 100))

	sub := newTestSubmitter(t, store, enforcer)

	_, err := sub.Submit(ctx, queue.SubmitRequest{
		OrgID: "org-1", Type: "prompt_analysis", Items: analysisPayloads(60),
	})
	require.NoError(t, err)

	// The first admission reserved 60 cents; 60 more no longer fit.
	_, err = sub.Submit(ctx, queue.SubmitRequest{
		OrgID: "org-1", Type: "prompt_analysis", Items: analysisPayloads(60),
	})
	var berr *queue.BudgetExceededError
	require.ErrorAs(t, err, &berr)
}

func TestSubmit_ScheduledForDefersEligibility(t *testing.T) {
	store := queue.NewMemoryStore()
	enforcer := budget.NewStorageEnforcer(budget.NewMemoryStore(), nil)
	sub := newTestSubmitter(t, store, enforcer)

	now := time.Now().UTC()
	later := now.Add(2 * time.Hour)
	batch, err := sub.Submit(context.Background(), queue.SubmitRequest{
		OrgID:        "org-1",
		Type:         "prompt_analysis",
		ScheduledFor: &later,
		Items:        analysisPayloads(3),
	})
	require.NoError(t, err)

	claimed, err := store.Claim(context.Background(), now, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.Claim(context.Background(), later.Add(time.Minute), 10, nil)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
	assert.Equal(t, batch.ID, claimed[0].BatchID)
}

func TestCancel_RefundsOnlyPendingItems(t *testing.T) {
	store := queue.NewMemoryStore()
	enforcer := budget.NewStorageEnforcer(budget.NewMemoryStore(), nil)
	ctx := context.Background()
	require.NoError(t, enforcer.SetLimit(ctx, "org-1", 1000))
	sub := newTestSubmitter(t, store, enforcer)

	batch, err := sub.Submit(ctx, queue.SubmitRequest{
		OrgID: "org-1", Type: "prompt_analysis", Items: analysisPayloads(10),
	})
	require.NoError(t, err)

	// Four items are mid-flight when the cancel lands.
	claimed, err := store.Claim(ctx, time.Now().UTC(), 4, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 4)

	require.NoError(t, sub.Cancel(ctx, batch.ID))

	view, err := sub.Status(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, view.Counts.Cancelled)
	assert.Equal(t, 4, view.Counts.Processing)

	b, err := enforcer.GetBudget(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), b.MonthlyUsedCents, "only in-flight work stays charged")
}

func TestCancel_RejectsTerminalBatch(t *testing.T) {
	store := queue.NewMemoryStore()
	enforcer := budget.NewStorageEnforcer(budget.NewMemoryStore(), nil)
	ctx := context.Background()
	sub := newTestSubmitter(t, store, enforcer)

	batch, err := sub.Submit(ctx, queue.SubmitRequest{
		OrgID: "org-1", Type: "prompt_analysis", Items: analysisPayloads(1),
	})
	require.NoError(t, err)
	require.NoError(t, sub.Cancel(ctx, batch.ID))

	err = sub.Cancel(ctx, batch.ID)
	var verr *queue.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestStatus_DerivesCompletedBatch(t *testing.T) {
	store := queue.NewMemoryStore()
	enforcer := budget.NewStorageEnforcer(budget.NewMemoryStore(), nil)
	ctx := context.Background()
	sub := newTestSubmitter(t, store, enforcer)

	batch, err := sub.Submit(ctx, queue.SubmitRequest{
		OrgID: "org-1", Type: "prompt_analysis", Items: analysisPayloads(2),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := store.Claim(ctx, now, 10, nil)
	require.NoError(t, err)
	for _, item := range claimed {
		require.NoError(t, store.MarkCompleted(ctx, item.ID, []byte(`{"ok":true}`), now))
	}

	view, err := sub.Status(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.BatchCompleted, view.Batch.Status)
	assert.Equal(t, float64(100), view.ProgressPercentage)
}
