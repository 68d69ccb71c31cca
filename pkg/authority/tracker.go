package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/forzeo/forzeo-core/pkg/notify"
	"github.com/google/uuid"
)

// Recording is the outcome of one result recording.
type Recording struct {
	EngineID       string  `json:"engine_id"`
	PreviousStatus Status  `json:"previous_status"`
	NewStatus      Status  `json:"new_status"`
	NewWeight      float64 `json:"new_weight"`
}

// EffectiveScore is a reliability score adjusted for engine availability.
// For an unavailable engine the score comes from the latest snapshot with a
// confidence discount, and Estimated is true.
type EffectiveScore struct {
	EngineID    string  `json:"engine_id"`
	Reliability float64 `json:"reliability"`
	Weight      float64 `json:"weight"`
	Status      Status  `json:"status"`
	Estimated   bool    `json:"estimated"`
}

const casMaxTries = 5

// Tracker applies engine query results to authority records. Writes go
// through compare-and-swap with retry, so concurrent recordings for the same
// engine interleave without losing updates. Notification delivery is
// best-effort; the authority write itself is strict.
type Tracker struct {
	store   Store
	weights Weights
	sink    notify.Sink
	clock   func() time.Time
	logger  *slog.Logger
}

func NewTracker(store Store, weights Weights, sink notify.Sink, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   store,
		weights: weights,
		sink:    sink,
		clock:   time.Now,
		logger:  logger.With("component", "authority"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Weights returns the active weight constants.
func (t *Tracker) Weights() Weights { return t.weights }

// RecordResult folds one engine query result into the engine's authority
// record and returns the status transition and resulting weight. Unknown
// engines are registered on first contact.
func (t *Tracker) RecordResult(ctx context.Context, engineID string, success bool, responseTimeMs float64, citationPresent bool) (Recording, error) {
	rec, err := backoff.Retry(ctx, func() (Recording, error) {
		rec, err := t.recordOnce(ctx, engineID, success, responseTimeMs, citationPresent)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrEngineExists) {
				return Recording{}, err
			}
			return Recording{}, backoff.Permanent(err)
		}
		return rec, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(casMaxTries))
	if err != nil {
		return Recording{}, fmt.Errorf("authority: failed to record result for %s: %w", engineID, err)
	}
	return rec, nil
}

func (t *Tracker) recordOnce(ctx context.Context, engineID string, success bool, responseTimeMs float64, citationPresent bool) (Recording, error) {
	now := t.clock().UTC()

	a, err := t.store.Get(ctx, engineID)
	created := false
	if errors.Is(err, ErrEngineNotFound) {
		a = t.newEngine(engineID, now)
		created = true
	} else if err != nil {
		return Recording{}, err
	}

	prevStatus := a.Status
	prevWeight := a.AuthorityWeight
	expectedVersion := a.Version

	a.TotalQueries++
	if success {
		a.SuccessfulQueries++
		a.ConsecutiveFailures = 0
		a.LastSuccessfulQuery = &now
		a.FreshnessIndex = 100
		if citationPresent {
			a.CitedQueries++
		}
	} else {
		a.ConsecutiveFailures++
		a.LastFailure = &now
	}

	// Below the minimum sample size the prior reliability estimate stands;
	// tiny samples would swing the score wildly.
	if a.TotalQueries >= t.weights.MinSampleSize {
		a.ReliabilityScore = float64(a.SuccessfulQueries) / float64(a.TotalQueries) * 100
		if a.SuccessfulQueries > 0 {
			a.CitationCompleteness = float64(a.CitedQueries) / float64(a.SuccessfulQueries) * 100
		}
	}

	a.AvgResponseTimeMs += (responseTimeMs - a.AvgResponseTimeMs) / float64(a.TotalQueries)

	if prevStatus != StatusMaintenance {
		a.Status = t.weights.StatusFor(a.ConsecutiveFailures)
	}
	a.AuthorityWeight = t.weights.Compute(
		a.ReliabilityScore, a.CitationCompleteness, a.FreshnessIndex, a.ConsecutiveFailures)
	a.UpdatedAt = now
	a.Version++

	if created {
		if err := t.store.Create(ctx, a); err != nil {
			return Recording{}, err
		}
	} else {
		if err := t.store.Update(ctx, a, expectedVersion); err != nil {
			return Recording{}, err
		}
	}

	t.fireTransitionEffects(ctx, a, prevStatus, now)

	entry := &AuditEntry{
		ID:              uuid.New().String(),
		EngineID:        engineID,
		RecordedAt:      now,
		Success:         success,
		ResponseTimeMs:  responseTimeMs,
		CitationPresent: citationPresent,
		PrevStatus:      prevStatus,
		NewStatus:       a.Status,
		PrevWeight:      prevWeight,
		NewWeight:       a.AuthorityWeight,
	}
	t.appendAudit(ctx, entry)

	return Recording{
		EngineID:       engineID,
		PreviousStatus: prevStatus,
		NewStatus:      a.Status,
		NewWeight:      a.AuthorityWeight,
	}, nil
}

func (t *Tracker) newEngine(engineID string, now time.Time) *Authority {
	a := &Authority{
		EngineID:             engineID,
		DisplayName:          engineID,
		ReliabilityScore:     100,
		CitationCompleteness: 100,
		FreshnessIndex:       100,
		Status:               StatusHealthy,
		UpdatedAt:            now,
	}
	a.AuthorityWeight = t.weights.Compute(
		a.ReliabilityScore, a.CitationCompleteness, a.FreshnessIndex, 0)
	return a
}

// fireTransitionEffects opens/closes outages and emits notifications on
// status edges. Steady-state updates produce no side effects.
func (t *Tracker) fireTransitionEffects(ctx context.Context, a *Authority, prevStatus Status, now time.Time) {
	entered := a.Status
	if prevStatus == entered {
		return
	}

	switch {
	case entered == StatusUnavailable:
		outage := &Outage{
			ID:        uuid.New().String(),
			EngineID:  a.EngineID,
			StartedAt: now,
		}
		if snap, err := t.store.LatestSnapshot(ctx, a.EngineID); err == nil {
			outage.FallbackSnapshotID = snap.ID
		}
		if err := t.store.OpenOutage(ctx, outage); err != nil && !errors.Is(err, ErrOutageOpen) {
			t.logger.ErrorContext(ctx, "failed to open outage", "engine_id", a.EngineID, "error", err)
		}
		notify.Emit(ctx, t.sink, notify.Event{
			Type:     notify.TypeEngineOutage,
			Severity: notify.SeverityCritical,
			Message:  fmt.Sprintf("engine %s is unavailable after %d consecutive failures", a.EngineID, a.ConsecutiveFailures),
			Metadata: map[string]any{"engine_id": a.EngineID, "outage_id": outage.ID},
			At:       now,
		}, t.logger)

	case prevStatus == StatusUnavailable && entered == StatusHealthy:
		err := t.store.CloseOutage(ctx, a.EngineID, now, "recovered")
		if err != nil && !errors.Is(err, ErrNoOpenOutage) {
			t.logger.ErrorContext(ctx, "failed to close outage", "engine_id", a.EngineID, "error", err)
		}
		notify.Emit(ctx, t.sink, notify.Event{
			Type:     notify.TypeEngineRecovered,
			Severity: notify.SeverityInfo,
			Message:  fmt.Sprintf("engine %s recovered", a.EngineID),
			Metadata: map[string]any{"engine_id": a.EngineID},
			At:       now,
		}, t.logger)

	case entered == StatusDegraded && prevStatus == StatusHealthy:
		notify.Emit(ctx, t.sink, notify.Event{
			Type:     notify.TypeEngineDegraded,
			Severity: notify.SeverityWarning,
			Message:  fmt.Sprintf("engine %s degraded after %d consecutive failures", a.EngineID, a.ConsecutiveFailures),
			Metadata: map[string]any{"engine_id": a.EngineID},
			At:       now,
		}, t.logger)
	}
}

func (t *Tracker) appendAudit(ctx context.Context, entry *AuditEntry) {
	if err := entry.Seal(); err != nil {
		t.logger.ErrorContext(ctx, "failed to seal audit entry", "engine_id", entry.EngineID, "error", err)
		return
	}
	if err := t.store.AppendAudit(ctx, entry); err != nil {
		t.logger.ErrorContext(ctx, "failed to append audit entry", "engine_id", entry.EngineID, "error", err)
	}
}

// Get returns the authority record for an engine.
func (t *Tracker) Get(ctx context.Context, engineID string) (*Authority, error) {
	return t.store.Get(ctx, engineID)
}

// List returns all tracked engines.
func (t *Tracker) List(ctx context.Context) ([]*Authority, error) {
	return t.store.List(ctx)
}

// ActiveOutages returns currently open outages.
func (t *Tracker) ActiveOutages(ctx context.Context) ([]*Outage, error) {
	return t.store.ActiveOutages(ctx)
}

// Score returns the reliability score to use for an engine right now. For an
// unavailable engine it substitutes the latest snapshot reliability scaled by
// the fallback discount and flags the result as estimated.
func (t *Tracker) Score(ctx context.Context, engineID string) (EffectiveScore, error) {
	a, err := t.store.Get(ctx, engineID)
	if err != nil {
		return EffectiveScore{}, err
	}

	score := EffectiveScore{
		EngineID:    engineID,
		Reliability: a.ReliabilityScore,
		Weight:      a.AuthorityWeight,
		Status:      a.Status,
	}
	if a.Status != StatusUnavailable {
		return score, nil
	}

	score.Estimated = true
	snap, err := t.store.LatestSnapshot(ctx, engineID)
	if errors.Is(err, ErrNoSnapshot) {
		// No history to fall back on; discount the live estimate instead.
		score.Reliability = a.ReliabilityScore * t.weights.FallbackDiscount
		return score, nil
	}
	if err != nil {
		return EffectiveScore{}, err
	}
	score.Reliability = snap.ReliabilityScore * t.weights.FallbackDiscount
	return score, nil
}

// Explain renders a human-readable breakdown of how an engine's weight was
// derived.
func (t *Tracker) Explain(ctx context.Context, engineID string) (string, error) {
	a, err := t.store.Get(ctx, engineID)
	if err != nil {
		return "", err
	}

	w := t.weights
	var b strings.Builder
	fmt.Fprintf(&b, "engine %s (%s): weight %.3f\n", a.EngineID, a.Status, a.AuthorityWeight)
	switch {
	case a.ConsecutiveFailures >= w.UnavailableThreshold:
		fmt.Fprintf(&b, "  override %.2f: %d consecutive failures (>= %d)\n",
			w.UnavailableOverride, a.ConsecutiveFailures, w.UnavailableThreshold)
	case a.ConsecutiveFailures >= w.DegradedThreshold:
		fmt.Fprintf(&b, "  override %.2f: %d consecutive failures (>= %d)\n",
			w.DegradedOverride, a.ConsecutiveFailures, w.DegradedThreshold)
	default:
		fmt.Fprintf(&b, "  base %.2f\n", w.Base)
		fmt.Fprintf(&b, "  + %.2f x reliability %.1f%%\n", w.ReliabilityCoeff, a.ReliabilityScore)
		fmt.Fprintf(&b, "  + %.2f x citation completeness %.1f%%\n", w.CitationCoeff, a.CitationCompleteness)
		fmt.Fprintf(&b, "  + %.2f x freshness %.1f%%\n", w.FreshnessCoeff, a.FreshnessIndex)
		fmt.Fprintf(&b, "  clamped to [%.2f, %.2f]\n", w.Floor, w.Ceiling)
	}
	fmt.Fprintf(&b, "  queries: %d total, %d successful, avg response %.0fms",
		a.TotalQueries, a.SuccessfulQueries, a.AvgResponseTimeMs)
	return b.String(), nil
}

// Nudge applies a bounded consensus adjustment to an engine's weight. The
// delta is capped at the configured epsilon and the result stays inside
// [Floor, Ceiling].
func (t *Tracker) Nudge(ctx context.Context, engineID string, delta float64, reason string) error {
	eps := t.weights.NudgeEpsilon
	delta = clamp(delta, -eps, eps)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		a, err := t.store.Get(ctx, engineID)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		now := t.clock().UTC()
		prevWeight := a.AuthorityWeight
		expectedVersion := a.Version
		a.AuthorityWeight = t.weights.ClampWeight(a.AuthorityWeight + delta)
		a.UpdatedAt = now
		a.Version++
		if err := t.store.Update(ctx, a, expectedVersion); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}

		entry := &AuditEntry{
			ID:         uuid.New().String(),
			EngineID:   engineID,
			RecordedAt: now,
			PrevStatus: a.Status,
			NewStatus:  a.Status,
			PrevWeight: prevWeight,
			NewWeight:  a.AuthorityWeight,
			Reason:     reason,
		}
		t.appendAudit(ctx, entry)
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(casMaxTries))
	if err != nil {
		return fmt.Errorf("authority: failed to nudge %s: %w", engineID, err)
	}
	return nil
}

// SetMaintenance puts an engine into or takes it out of the manual
// maintenance override. Leaving maintenance re-derives the status from the
// failure count.
func (t *Tracker) SetMaintenance(ctx context.Context, engineID string, on bool) error {
	a, err := t.store.Get(ctx, engineID)
	if err != nil {
		return err
	}
	if !on && a.Status != StatusMaintenance {
		return ErrNotInMaintenance
	}

	expectedVersion := a.Version
	if on {
		a.Status = StatusMaintenance
	} else {
		a.Status = t.weights.StatusFor(a.ConsecutiveFailures)
	}
	now := t.clock().UTC()
	a.UpdatedAt = now
	a.Version++
	if err := t.store.Update(ctx, a, expectedVersion); err != nil {
		return err
	}

	// An outage opened before the override must not outlive it: RecordResult
	// cannot see the recovery edge while maintenance holds, so the exit
	// closes any still-open outage here.
	if !on && a.Status != StatusUnavailable {
		err := t.store.CloseOutage(ctx, a.EngineID, now, "maintenance_cleared")
		switch {
		case errors.Is(err, ErrNoOpenOutage):
		case err != nil:
			t.logger.ErrorContext(ctx, "failed to close outage on maintenance exit",
				"engine_id", a.EngineID, "error", err)
		default:
			notify.Emit(ctx, t.sink, notify.Event{
				Type:     notify.TypeEngineRecovered,
				Severity: notify.SeverityInfo,
				Message:  fmt.Sprintf("engine %s recovered", a.EngineID),
				Metadata: map[string]any{"engine_id": a.EngineID},
				At:       now,
			}, t.logger)
		}
	}
	return nil
}

// Decay pulls stale engines' freshness down and recomputes their weight from
// the formula. Freshness is an absolute function of idle time, so repeated
// sweeps in the same period converge on the same value instead of
// compounding. Returns the number of engines adjusted.
func (t *Tracker) Decay(ctx context.Context) (int, error) {
	engines, err := t.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("authority: decay list failed: %w", err)
	}

	now := t.clock().UTC()
	adjusted := 0
	for _, a := range engines {
		lastActivity := a.UpdatedAt
		if a.LastSuccessfulQuery != nil && a.LastSuccessfulQuery.After(lastActivity) {
			lastActivity = *a.LastSuccessfulQuery
		}
		idleHours := now.Sub(lastActivity).Hours()
		if idleHours <= t.weights.StaleAfterHours {
			continue
		}

		// One freshness point per idle hour beyond the horizon.
		freshness := clamp(100-(idleHours-t.weights.StaleAfterHours), 0, 100)
		weight := t.weights.Compute(
			a.ReliabilityScore, a.CitationCompleteness, freshness, a.ConsecutiveFailures)
		if freshness == a.FreshnessIndex && weight == a.AuthorityWeight {
			continue
		}

		expectedVersion := a.Version
		a.FreshnessIndex = freshness
		a.AuthorityWeight = weight
		a.Version++
		if err := t.store.Update(ctx, a, expectedVersion); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue // a live write beat the sweep; it carries fresher data
			}
			return adjusted, fmt.Errorf("authority: decay update failed for %s: %w", a.EngineID, err)
		}
		adjusted++
	}
	if adjusted > 0 {
		t.logger.InfoContext(ctx, "decay sweep adjusted engines", "adjusted", adjusted)
	}
	return adjusted, nil
}

// SnapshotAll records a point-in-time snapshot for every tracked engine and
// returns the snapshots taken.
func (t *Tracker) SnapshotAll(ctx context.Context) ([]*Snapshot, error) {
	engines, err := t.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("authority: snapshot list failed: %w", err)
	}

	now := t.clock().UTC()
	snapshots := make([]*Snapshot, 0, len(engines))
	for _, a := range engines {
		snap := &Snapshot{
			ID:                   uuid.New().String(),
			EngineID:             a.EngineID,
			ReliabilityScore:     a.ReliabilityScore,
			CitationCompleteness: a.CitationCompleteness,
			FreshnessIndex:       a.FreshnessIndex,
			AuthorityWeight:      a.AuthorityWeight,
			Status:               a.Status,
			TakenAt:              now,
		}
		if err := t.store.SaveSnapshot(ctx, snap); err != nil {
			return snapshots, fmt.Errorf("authority: snapshot failed for %s: %w", a.EngineID, err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}
