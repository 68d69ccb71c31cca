package consensus_test

import (
	"context"
	"sync"
	"testing"

	"github.com/forzeo/forzeo-core/pkg/authority"
	"github.com/forzeo/forzeo-core/pkg/consensus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAuthorities is a fixed-weight authority source for deterministic
// consensus tests.
type stubAuthorities struct {
	mu      sync.Mutex
	engines map[string]*authority.Authority
	scores  map[string]authority.EffectiveScore
	nudges  map[string]float64
}

func newStubAuthorities() *stubAuthorities {
	return &stubAuthorities{
		engines: make(map[string]*authority.Authority),
		scores:  make(map[string]authority.EffectiveScore),
		nudges:  make(map[string]float64),
	}
}

func (s *stubAuthorities) add(engineID string, weight float64, status authority.Status, reliability float64, estimated bool) {
	s.engines[engineID] = &authority.Authority{
		EngineID:         engineID,
		AuthorityWeight:  weight,
		Status:           status,
		ReliabilityScore: reliability,
	}
	s.scores[engineID] = authority.EffectiveScore{
		EngineID:    engineID,
		Reliability: reliability,
		Weight:      weight,
		Status:      status,
		Estimated:   estimated,
	}
}

func (s *stubAuthorities) Get(_ context.Context, engineID string) (*authority.Authority, error) {
	a, ok := s.engines[engineID]
	if !ok {
		return nil, authority.ErrEngineNotFound
	}
	return a, nil
}

func (s *stubAuthorities) Score(_ context.Context, engineID string) (authority.EffectiveScore, error) {
	es, ok := s.scores[engineID]
	if !ok {
		return authority.EffectiveScore{}, authority.ErrEngineNotFound
	}
	return es, nil
}

func (s *stubAuthorities) Nudge(_ context.Context, engineID string, delta float64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nudges[engineID] += delta
	return nil
}

func (s *stubAuthorities) List(_ context.Context) ([]*authority.Authority, error) {
	out := make([]*authority.Authority, 0, len(s.engines))
	for _, a := range s.engines {
		out = append(out, a)
	}
	return out, nil
}

func newEngine(auth *stubAuthorities) (*consensus.Engine, *consensus.MemoryStore) {
	store := consensus.NewMemoryStore()
	return consensus.NewEngine(store, auth, consensus.Options{}, nil), store
}

func TestResolveDisagreement_HigherWeightPartitionWins(t *testing.T) {
	auth := newStubAuthorities()
	auth.add("chatgpt", 1.2, authority.StatusHealthy, 95, false)
	auth.add("perplexity", 0.8, authority.StatusHealthy, 80, false)
	engine, store := newEngine(auth)
	ctx := context.Background()

	res, err := engine.ResolveDisagreement(ctx, "prompt-1", []consensus.Observation{
		{EngineID: "chatgpt", Value: "mentioned"},
		{EngineID: "perplexity", Value: "not_mentioned"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mentioned", res.Winner)
	assert.Equal(t, []string{"chatgpt"}, res.WinnerEngines)
	assert.InDelta(t, 1.2, res.WinnerWeight, 1e-9)
	assert.Contains(t, res.Explanation, "chatgpt")

	records, err := store.Disagreements(ctx, "prompt-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "chatgpt", records[0].Winner)
	assert.Equal(t, "authority_weighted_vote", records[0].ResolutionMethod)

	// Winner nudged up, loser down, symmetrically.
	assert.InDelta(t, 0.02, auth.nudges["chatgpt"], 1e-9)
	assert.InDelta(t, -0.02, auth.nudges["perplexity"], 1e-9)
}

func TestResolveDisagreement_ConvergenceAccumulatesPerPrompt(t *testing.T) {
	auth := newStubAuthorities()
	auth.add("chatgpt", 1.2, authority.StatusHealthy, 95, false)
	auth.add("perplexity", 0.8, authority.StatusHealthy, 80, false)
	engine, _ := newEngine(auth)
	ctx := context.Background()

	// First check: both agree.
	res, err := engine.ResolveDisagreement(ctx, "prompt-1", []consensus.Observation{
		{EngineID: "chatgpt", Value: "mentioned"},
		{EngineID: "perplexity", Value: "mentioned"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(100), res.ConvergenceScore)
	assert.False(t, res.NeedsManualVerification)

	// Second check disagrees: one agreement out of two checks is 50.
	res, err = engine.ResolveDisagreement(ctx, "prompt-1", []consensus.Observation{
		{EngineID: "chatgpt", Value: "mentioned"},
		{EngineID: "perplexity", Value: "not_mentioned"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(50), res.ConvergenceScore)
	assert.True(t, res.NeedsManualVerification, "50%% convergence is below the 70%% threshold")
}

func TestResolveDisagreement_TieBreaksDeterministically(t *testing.T) {
	auth := newStubAuthorities()
	auth.add("zeta", 1.0, authority.StatusHealthy, 90, false)
	auth.add("alpha", 1.0, authority.StatusHealthy, 90, false)
	engine, _ := newEngine(auth)

	for i := 0; i < 5; i++ {
		res, err := engine.ResolveDisagreement(context.Background(), "prompt-tie", []consensus.Observation{
			{EngineID: "zeta", Value: "yes"},
			{EngineID: "alpha", Value: "no"},
		})
		require.NoError(t, err)
		// Equal weights: the partition holding the lexicographically
		// smallest engine id wins, every time.
		assert.Equal(t, "no", res.Winner)
	}
}

func TestResolveDisagreement_ThreeWayRecordsAllOpposingPairs(t *testing.T) {
	auth := newStubAuthorities()
	auth.add("a", 1.3, authority.StatusHealthy, 95, false)
	auth.add("b", 1.0, authority.StatusHealthy, 90, false)
	auth.add("c", 0.6, authority.StatusDegraded, 50, false)
	engine, store := newEngine(auth)
	ctx := context.Background()

	res, err := engine.ResolveDisagreement(ctx, "prompt-3", []consensus.Observation{
		{EngineID: "a", Value: "x"},
		{EngineID: "b", Value: "y"},
		{EngineID: "c", Value: "z"},
	})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Winner)

	records, err := store.Disagreements(ctx, "prompt-3")
	require.NoError(t, err)
	assert.Len(t, records, 3) // a-b, a-c, b-c
}

func TestResolveDisagreement_NoObservations(t *testing.T) {
	engine, _ := newEngine(newStubAuthorities())
	_, err := engine.ResolveDisagreement(context.Background(), "prompt-1", nil)
	assert.ErrorIs(t, err, consensus.ErrNoObservations)
}

func TestWeightedScore_FallbackSubstitutionAndEstimatedFlag(t *testing.T) {
	auth := newStubAuthorities()
	auth.add("A", 1.2, authority.StatusHealthy, 95, false)
	// B is unavailable; its effective score is the discounted snapshot
	// reliability of 60, not the raw input.
	auth.add("B", 0.5, authority.StatusUnavailable, 60, true)
	engine, _ := newEngine(auth)

	result, err := engine.WeightedScore(context.Background(), "prompt-1", []consensus.EngineScore{
		{EngineID: "A", RawScore: 80},
		{EngineID: "B", RawScore: 40},
	})
	require.NoError(t, err)

	assert.True(t, result.IsEstimated)
	assert.Equal(t, []string{"B"}, result.DegradedEngines)
	assert.InDelta(t, (80*1.2+60*0.5)/(1.2+0.5), result.WeightedAVS, 0.05)
	assert.InDelta(t, 74.1, result.WeightedAVS, 0.1)
	assert.Contains(t, result.LowAuthorityImpact, "B")
	assert.Equal(t, consensus.ConfidenceLow, result.ConfidenceLevel)

	require.Len(t, result.Breakdown, 2)
	assert.Equal(t, float64(40), result.Breakdown[1].RawScore)
	assert.Equal(t, float64(60), result.Breakdown[1].EffectiveScore)
	assert.True(t, result.Breakdown[1].Estimated)
}

func TestWeightedScore_AllHealthyIsHighConfidence(t *testing.T) {
	auth := newStubAuthorities()
	auth.add("A", 1.3, authority.StatusHealthy, 95, false)
	auth.add("B", 1.1, authority.StatusHealthy, 92, false)
	engine, _ := newEngine(auth)

	result, err := engine.WeightedScore(context.Background(), "prompt-1", []consensus.EngineScore{
		{EngineID: "A", RawScore: 70},
		{EngineID: "B", RawScore: 90},
	})
	require.NoError(t, err)

	assert.False(t, result.IsEstimated)
	assert.Empty(t, result.DegradedEngines)
	assert.Equal(t, consensus.ConfidenceHigh, result.ConfidenceLevel)
	assert.Empty(t, result.LowAuthorityImpact)
	assert.InDelta(t, 80, result.UnweightedAVS, 1e-9)
}

func TestWeightedScore_MediumWhenMostTrackedEnginesHealthy(t *testing.T) {
	auth := newStubAuthorities()
	auth.add("A", 1.2, authority.StatusHealthy, 95, false)
	auth.add("B", 0.75, authority.StatusDegraded, 70, false)
	auth.add("C", 1.1, authority.StatusHealthy, 90, false)
	auth.add("D", 1.0, authority.StatusHealthy, 88, false)
	engine, _ := newEngine(auth)

	result, err := engine.WeightedScore(context.Background(), "prompt-1", []consensus.EngineScore{
		{EngineID: "A", RawScore: 80},
		{EngineID: "B", RawScore: 75},
	})
	require.NoError(t, err)

	// 3 of 4 tracked engines healthy: medium, and the degraded contributor
	// must be called out.
	assert.Equal(t, consensus.ConfidenceMedium, result.ConfidenceLevel)
	assert.Equal(t, []string{"B"}, result.DegradedEngines)
	assert.Contains(t, result.LowAuthorityImpact, "B")
	assert.False(t, result.IsEstimated)
}

func TestConfidencePropagation_PerPromptContributors(t *testing.T) {
	auth := newStubAuthorities()
	auth.add("A", 1.2, authority.StatusHealthy, 90, false)
	auth.add("B", 0.8, authority.StatusHealthy, 60, false)
	auth.add("C", 1.4, authority.StatusHealthy, 100, false)
	engine, _ := newEngine(auth)
	ctx := context.Background()

	_, err := engine.WeightedScore(ctx, "prompt-1", []consensus.EngineScore{
		{EngineID: "A", RawScore: 80},
		{EngineID: "B", RawScore: 70},
	})
	require.NoError(t, err)

	conf, err := engine.ConfidencePropagation(ctx, "prompt-1", 80)
	require.NoError(t, err)
	// Only A and B contributed; C's perfect reliability is irrelevant here.
	assert.InDelta(t, 75, conf.ReliabilityPercentage, 1e-9)
	assert.InDelta(t, 0.75, conf.ConfidenceMultiplier, 1e-9)
	assert.InDelta(t, 60, conf.AdjustedScore, 1e-9)

	_, err = engine.ConfidencePropagation(ctx, "prompt-unknown", 80)
	assert.ErrorIs(t, err, consensus.ErrNoContributors)
}
