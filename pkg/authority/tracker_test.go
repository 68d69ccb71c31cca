package authority_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forzeo/forzeo-core/pkg/authority"
	"github.com/forzeo/forzeo-core/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Notify(_ context.Context, event notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ofType(eventType string) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTracker(t *testing.T) (*authority.Tracker, *authority.MemoryStore, *recordingSink) {
	t.Helper()
	store := authority.NewMemoryStore()
	sink := &recordingSink{}
	tracker := authority.NewTracker(store, authority.DefaultWeights(), sink, nil)
	return tracker, store, sink
}

func recordN(t *testing.T, tracker *authority.Tracker, engineID string, n int, success bool) authority.Recording {
	t.Helper()
	var rec authority.Recording
	var err error
	for i := 0; i < n; i++ {
		rec, err = tracker.RecordResult(context.Background(), engineID, success, 100, success)
		require.NoError(t, err)
	}
	return rec
}

func TestRecordResult_FiveFailuresOpensExactlyOneOutage(t *testing.T) {
	tracker, store, sink := newTracker(t)
	ctx := context.Background()

	rec := recordN(t, tracker, "perplexity", 2, false)
	assert.Equal(t, authority.StatusHealthy, rec.NewStatus)

	rec = recordN(t, tracker, "perplexity", 1, false)
	assert.Equal(t, authority.StatusHealthy, rec.PreviousStatus)
	assert.Equal(t, authority.StatusDegraded, rec.NewStatus)
	assert.Equal(t, 0.75, rec.NewWeight)

	rec = recordN(t, tracker, "perplexity", 2, false)
	assert.Equal(t, authority.StatusUnavailable, rec.NewStatus)
	assert.Equal(t, 0.5, rec.NewWeight)

	open, err := store.ActiveOutages(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Nil(t, open[0].EndedAt)

	// Steady-state failures while unavailable open nothing new.
	recordN(t, tracker, "perplexity", 2, false)
	open, err = store.ActiveOutages(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Len(t, sink.ofType(notify.TypeEngineOutage), 1)
	assert.Len(t, sink.ofType(notify.TypeEngineDegraded), 1)
}

func TestRecordResult_RecoveryClosesOutageOnce(t *testing.T) {
	tracker, store, sink := newTracker(t)
	ctx := context.Background()

	recordN(t, tracker, "gemini", 5, false)
	rec := recordN(t, tracker, "gemini", 1, true)
	assert.Equal(t, authority.StatusUnavailable, rec.PreviousStatus)
	assert.Equal(t, authority.StatusHealthy, rec.NewStatus)

	open, err := store.ActiveOutages(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Len(t, sink.ofType(notify.TypeEngineRecovered), 1)

	// A single new failure does not reopen an outage; failures must
	// accumulate past the threshold again.
	recordN(t, tracker, "gemini", 1, false)
	open, err = store.ActiveOutages(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	recordN(t, tracker, "gemini", 4, false)
	open, err = store.ActiveOutages(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Len(t, sink.ofType(notify.TypeEngineOutage), 2)
}

func TestRecordResult_MinimumSampleSizeGuardsReliability(t *testing.T) {
	tracker, _, _ := newTracker(t)
	ctx := context.Background()

	// Below ten queries the prior estimate stands even through failures.
	recordN(t, tracker, "claude", 4, false)
	a, err := tracker.Get(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, float64(100), a.ReliabilityScore)

	// Crossing the sample threshold recomputes from the real counts.
	recordN(t, tracker, "claude", 6, true)
	a, err = tracker.Get(ctx, "claude")
	require.NoError(t, err)
	assert.InDelta(t, 60, a.ReliabilityScore, 1e-9)
}

func TestRecordResult_RunningAverageResponseTime(t *testing.T) {
	tracker, _, _ := newTracker(t)
	ctx := context.Background()

	_, err := tracker.RecordResult(ctx, "chatgpt", true, 100, true)
	require.NoError(t, err)
	_, err = tracker.RecordResult(ctx, "chatgpt", true, 300, true)
	require.NoError(t, err)

	a, err := tracker.Get(ctx, "chatgpt")
	require.NoError(t, err)
	assert.InDelta(t, 200, a.AvgResponseTimeMs, 1e-9)
}

func TestRecordResult_ConcurrentWritersNeverDuplicateOutage(t *testing.T) {
	tracker, store, _ := newTracker(t)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				// Conflicts under heavy interleaving may exhaust the CAS
				// retry budget; the invariant must hold either way.
				_, _ = tracker.RecordResult(context.Background(), "copilot", false, 50, false)
			}
		}()
	}
	wg.Wait()

	open, err := store.ActiveOutages(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(open), 1)
}

func TestScore_UnavailableFallsBackToDiscountedSnapshot(t *testing.T) {
	tracker, _, _ := newTracker(t)
	ctx := context.Background()

	// Build real history so the snapshot carries a measured reliability.
	recordN(t, tracker, "perplexity", 9, true)
	recordN(t, tracker, "perplexity", 1, false)
	snaps, err := tracker.SnapshotAll(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 90, snaps[0].ReliabilityScore, 1e-9)

	recordN(t, tracker, "perplexity", 4, false)

	score, err := tracker.Score(ctx, "perplexity")
	require.NoError(t, err)
	assert.Equal(t, authority.StatusUnavailable, score.Status)
	assert.True(t, score.Estimated)
	assert.InDelta(t, 90*0.8, score.Reliability, 0.5)
}

func TestScore_HealthyEngineIsNotEstimated(t *testing.T) {
	tracker, _, _ := newTracker(t)

	recordN(t, tracker, "gemini", 3, true)
	score, err := tracker.Score(context.Background(), "gemini")
	require.NoError(t, err)
	assert.False(t, score.Estimated)
	assert.Equal(t, float64(100), score.Reliability)
}

func TestDecay_IdempotentWithinPeriod(t *testing.T) {
	tracker, _, _ := newTracker(t)
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker.WithClock(func() time.Time { return t0 })
	recordN(t, tracker, "claude", 1, true)

	tracker.WithClock(func() time.Time { return t0.Add(72 * time.Hour) })
	adjusted, err := tracker.Decay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, adjusted)

	a, err := tracker.Get(ctx, "claude")
	require.NoError(t, err)
	assert.InDelta(t, 76, a.FreshnessIndex, 1e-9) // one point per hour past the horizon
	weightAfterFirst := a.AuthorityWeight
	assert.Less(t, weightAfterFirst, 1.5)

	// Second sweep in the same period converges on the same value.
	adjusted, err = tracker.Decay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, adjusted)

	a, err = tracker.Get(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, weightAfterFirst, a.AuthorityWeight)
}

func TestDecay_SkipsRecentlyActiveEngines(t *testing.T) {
	tracker, _, _ := newTracker(t)

	recordN(t, tracker, "chatgpt", 1, true)
	adjusted, err := tracker.Decay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, adjusted)
}

func TestNudge_BoundedByEpsilonAndRange(t *testing.T) {
	tracker, _, _ := newTracker(t)
	ctx := context.Background()

	recordN(t, tracker, "gemini", 1, true)
	a, err := tracker.Get(ctx, "gemini")
	require.NoError(t, err)
	before := a.AuthorityWeight

	// An outsized delta is capped at the epsilon.
	require.NoError(t, tracker.Nudge(ctx, "gemini", 5.0, "disagreement won"))
	a, err = tracker.Get(ctx, "gemini")
	require.NoError(t, err)
	assert.InDelta(t, before, a.AuthorityWeight, 0.02+1e-9)

	// Repeated nudges can never push the weight past the ceiling.
	for i := 0; i < 100; i++ {
		require.NoError(t, tracker.Nudge(ctx, "gemini", 0.02, "disagreement won"))
	}
	a, err = tracker.Get(ctx, "gemini")
	require.NoError(t, err)
	assert.LessOrEqual(t, a.AuthorityWeight, 1.5)

	for i := 0; i < 200; i++ {
		require.NoError(t, tracker.Nudge(ctx, "gemini", -0.02, "disagreement lost"))
	}
	a, err = tracker.Get(ctx, "gemini")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.AuthorityWeight, 0.5)
}

func TestSetMaintenance_OverridesDerivedStatus(t *testing.T) {
	tracker, _, sink := newTracker(t)
	ctx := context.Background()

	recordN(t, tracker, "claude", 1, true)
	require.NoError(t, tracker.SetMaintenance(ctx, "claude", true))

	// Failures keep counting but do not move the engine out of maintenance
	// or open an outage.
	recordN(t, tracker, "claude", 6, false)
	a, err := tracker.Get(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, authority.StatusMaintenance, a.Status)
	assert.Equal(t, int64(6), a.ConsecutiveFailures)
	assert.Empty(t, sink.ofType(notify.TypeEngineOutage))

	// Leaving maintenance re-derives the status from the failure count.
	require.NoError(t, tracker.SetMaintenance(ctx, "claude", false))
	a, err = tracker.Get(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, authority.StatusUnavailable, a.Status)

	err = tracker.SetMaintenance(ctx, "claude", false)
	assert.ErrorIs(t, err, authority.ErrNotInMaintenance)
}

func TestSetMaintenance_ExitClosesOpenOutage(t *testing.T) {
	tracker, _, sink := newTracker(t)
	ctx := context.Background()

	// Unavailable with an open outage, then into maintenance.
	recordN(t, tracker, "gemini", 5, false)
	require.NoError(t, tracker.SetMaintenance(ctx, "gemini", true))

	// A success during maintenance resets the failure count without firing
	// the recovery edge.
	recordN(t, tracker, "gemini", 1, true)
	outages, err := tracker.ActiveOutages(ctx)
	require.NoError(t, err)
	require.Len(t, outages, 1)

	// Leaving maintenance in a healthy state must not strand the outage.
	require.NoError(t, tracker.SetMaintenance(ctx, "gemini", false))
	a, err := tracker.Get(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, authority.StatusHealthy, a.Status)

	outages, err = tracker.ActiveOutages(ctx)
	require.NoError(t, err)
	assert.Empty(t, outages)
	assert.Len(t, sink.ofType(notify.TypeEngineRecovered), 1)
}

func TestAuditLog_EntriesSealedAndVerifiable(t *testing.T) {
	tracker, store, _ := newTracker(t)
	ctx := context.Background()

	recordN(t, tracker, "perplexity", 3, true)
	entries, err := store.AuditLog(ctx, "perplexity", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for _, e := range entries {
		assert.NotEmpty(t, e.ContentHash)
		ok, err := e.Verify()
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestExplain_ShowsOverrideWhenDegraded(t *testing.T) {
	tracker, _, _ := newTracker(t)
	ctx := context.Background()

	recordN(t, tracker, "gemini", 3, false)
	text, err := tracker.Explain(ctx, "gemini")
	require.NoError(t, err)
	assert.Contains(t, text, "override 0.75")
	assert.Contains(t, text, "degraded")

	recordN(t, tracker, "gemini", 1, true)
	text, err = tracker.Explain(ctx, "gemini")
	require.NoError(t, err)
	assert.Contains(t, text, "base 0.80")
	assert.Contains(t, text, "reliability")
}
