package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forzeo/forzeo-core/pkg/budget"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TypeSpec describes an admissible job type. Payloads are validated against
// Schema at submission time so malformed payloads fail fast as validation
// errors instead of surfacing during execution.
type TypeSpec struct {
	Name             string
	MaxBatchSize     int
	CostPerItemCents int64
	MaxRetries       int
	Schema           string // JSON Schema for item payloads; empty disables validation
}

// SubmitRequest is a request to admit a group of work items.
type SubmitRequest struct {
	OrgID        string            `json:"org_id"`
	Type         string            `json:"type"`
	Priority     int               `json:"priority,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"` // nil means eligible immediately
	Items        []json.RawMessage `json:"items"`
}

// BatchView is the live status of a batch.
type BatchView struct {
	Batch              *Batch  `json:"batch"`
	Counts             Counts  `json:"counts"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// Submitter validates and admits batches against size limits and
// organization budgets.
type Submitter struct {
	store    Store
	enforcer budget.Enforcer
	types    map[string]TypeSpec
	schemas  map[string]*jsonschema.Schema

	// throughputPerMin is the assumed processing rate used only for the
	// completion estimate surfaced to callers. Nothing else depends on it.
	throughputPerMin int

	clock  func() time.Time
	logger *slog.Logger
}

// NewSubmitter creates a submitter. throughputPerMin must be positive.
func NewSubmitter(store Store, enforcer budget.Enforcer, throughputPerMin int, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	if throughputPerMin <= 0 {
		throughputPerMin = 60
	}
	return &Submitter{
		store:            store,
		enforcer:         enforcer,
		types:            make(map[string]TypeSpec),
		schemas:          make(map[string]*jsonschema.Schema),
		throughputPerMin: throughputPerMin,
		clock:            time.Now,
		logger:           logger.With("component", "submitter"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Submitter) WithClock(clock func() time.Time) *Submitter {
	s.clock = clock
	return s
}

// RegisterType registers a job type and compiles its payload schema.
// Registration happens at startup; Submit rejects unregistered types.
func (s *Submitter) RegisterType(spec TypeSpec) error {
	if spec.Name == "" {
		return &ValidationError{Field: "type", Message: "name must not be empty"}
	}
	if spec.MaxBatchSize <= 0 {
		return &ValidationError{Field: "type", Message: "max batch size must be positive"}
	}
	if spec.Schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://forzeo.schemas.local/jobs/%s.schema.json", spec.Name)
		if err := c.AddResource(schemaURL, strings.NewReader(spec.Schema)); err != nil {
			return fmt.Errorf("queue: schema load failed for type %s: %w", spec.Name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return fmt.Errorf("queue: schema compile failed for type %s: %w", spec.Name, err)
		}
		s.schemas[spec.Name] = compiled
	}
	s.types[spec.Name] = spec
	return nil
}

// EstimateCost returns the admission cost for n items of the given type.
func (s *Submitter) EstimateCost(jobType string, n int) (int64, error) {
	spec, ok := s.types[jobType]
	if !ok {
		return 0, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown job type %q", jobType)}
	}
	return int64(n) * spec.CostPerItemCents, nil
}

// Submit validates the request, atomically reserves budget, and inserts one
// work item per payload, all sharing a new batch id. Rejections happen before
// any row is inserted.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*Batch, error) {
	spec, ok := s.types[req.Type]
	if !ok {
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown job type %q", req.Type)}
	}
	if len(req.Items) == 0 {
		return nil, &ValidationError{Field: "items", Message: "batch must contain at least one item"}
	}
	if len(req.Items) > spec.MaxBatchSize {
		return nil, &ValidationError{
			Field:   "items",
			Message: fmt.Sprintf("batch size %d exceeds limit %d for type %s", len(req.Items), spec.MaxBatchSize, req.Type),
		}
	}
	if req.OrgID == "" {
		return nil, &ValidationError{Field: "org_id", Message: "org id must not be empty"}
	}

	if schema, ok := s.schemas[req.Type]; ok {
		for i, raw := range req.Items {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, &ValidationError{Field: "items", Message: fmt.Sprintf("item %d is not valid JSON: %v", i, err)}
			}
			if err := schema.Validate(v); err != nil {
				return nil, &ValidationError{Field: "items", Message: fmt.Sprintf("item %d failed schema validation: %v", i, err)}
			}
		}
	}

	estimatedCost := int64(len(req.Items)) * spec.CostPerItemCents

	// Check-then-admit runs as one reservation: the decision consumes budget
	// at check time, so a concurrent submission cannot pass on stale usage.
	decision, err := s.enforcer.CheckAndReserve(ctx, req.OrgID, budget.Cost{
		AmountCents: estimatedCost,
		Currency:    "USD",
		Reason:      fmt.Sprintf("batch of %d %s jobs", len(req.Items), req.Type),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: budget check failed: %w", err)
	}
	if !decision.Allowed {
		return nil, &BudgetExceededError{
			OrgID:              req.OrgID,
			EstimatedCostCents: estimatedCost,
			CurrentUsageCents:  decision.CurrentUsageCents,
			LimitCents:         decision.LimitCents,
			PercentOfLimit:     decision.PercentOfLimit,
		}
	}

	now := s.clock().UTC()
	scheduledFor := now
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
	}

	minutes := (len(req.Items) + s.throughputPerMin - 1) / s.throughputPerMin
	batch := &Batch{
		ID:                  uuid.New().String(),
		OrgID:               req.OrgID,
		Type:                req.Type,
		TotalJobs:           len(req.Items),
		Status:              BatchPending,
		EstimatedCostCents:  estimatedCost,
		EstimatedCompletion: scheduledFor.Add(time.Duration(minutes) * time.Minute),
		CreatedAt:           now,
	}

	items := make([]*WorkItem, 0, len(req.Items))
	for _, raw := range req.Items {
		items = append(items, &WorkItem{
			ID:           uuid.New().String(),
			OrgID:        req.OrgID,
			Type:         req.Type,
			Payload:      raw,
			Status:       StatusPending,
			Priority:     req.Priority,
			MaxRetries:   spec.MaxRetries,
			ScheduledFor: scheduledFor,
			BatchID:      batch.ID,
			CreatedAt:    now,
		})
	}

	if err := s.store.CreateBatch(ctx, batch, items); err != nil {
		// The reservation was consumed but nothing was enqueued; hand the
		// budget back so a retry is not double-charged.
		if relErr := s.enforcer.Release(ctx, req.OrgID, budget.Cost{AmountCents: estimatedCost}); relErr != nil {
			s.logger.ErrorContext(ctx, "failed to release budget after insert failure",
				"org_id", req.OrgID, "batch_id", batch.ID, "error", relErr)
		}
		return nil, fmt.Errorf("queue: failed to enqueue batch: %w", err)
	}

	s.logger.InfoContext(ctx, "batch admitted",
		"batch_id", batch.ID,
		"org_id", req.OrgID,
		"type", req.Type,
		"total_jobs", batch.TotalJobs,
		"estimated_cost_cents", estimatedCost,
	)
	return batch, nil
}

// Status returns the batch with live aggregate counts. The stored batch
// status is refreshed from the aggregates on read.
func (s *Submitter) Status(ctx context.Context, batchID string) (*BatchView, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.Counts(ctx, batchID)
	if err != nil {
		return nil, err
	}

	derived := counts.DeriveStatus(batch.Status)
	if derived != batch.Status {
		if err := s.store.SetBatchStatus(ctx, batchID, derived); err != nil {
			return nil, err
		}
		batch.Status = derived
	}

	return &BatchView{
		Batch:              batch,
		Counts:             counts,
		ProgressPercentage: counts.Progress(),
	}, nil
}

// Cancel transitions the batch and all still-pending items to cancelled.
// Items already processing run to completion; completed items are untouched.
func (s *Submitter) Cancel(ctx context.Context, batchID string) error {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != BatchPending && batch.Status != BatchProcessing {
		return &ValidationError{Field: "batch", Message: fmt.Sprintf("batch in state %s cannot be cancelled", batch.Status)}
	}

	now := s.clock().UTC()
	cancelled, err := s.store.CancelPending(ctx, batchID, now)
	if err != nil {
		return err
	}
	if err := s.store.SetBatchStatus(ctx, batchID, BatchCancelled); err != nil {
		return err
	}

	// Hand back budget for the work that will never run.
	spec, ok := s.types[batch.Type]
	if ok && cancelled > 0 {
		refund := int64(cancelled) * spec.CostPerItemCents
		if err := s.enforcer.Release(ctx, batch.OrgID, budget.Cost{AmountCents: refund}); err != nil {
			s.logger.WarnContext(ctx, "failed to release budget on cancel",
				"batch_id", batchID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "batch cancelled", "batch_id", batchID, "items_cancelled", cancelled)
	return nil
}
