package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/forzeo/forzeo-core/pkg/authority"
	"github.com/google/uuid"
)

// AuthoritySource is the slice of the authority tracker the consensus engine
// consumes.
type AuthoritySource interface {
	Get(ctx context.Context, engineID string) (*authority.Authority, error)
	Score(ctx context.Context, engineID string) (authority.EffectiveScore, error)
	Nudge(ctx context.Context, engineID string, delta float64, reason string) error
	List(ctx context.Context) ([]*authority.Authority, error)
}

// Options tunes the consensus engine.
type Options struct {
	// ConvergenceThreshold is the cumulative convergence percentage below
	// which a resolution recommends manual verification. Default 70.
	ConvergenceThreshold float64
	// NudgeEpsilon is the per-disagreement authority adjustment. The
	// authority tracker additionally caps and clamps it. Default 0.02.
	NudgeEpsilon float64
	// MediumConfidenceHealthyShare is the share of tracked engines that must
	// be healthy for a medium confidence level. Default 0.7.
	MediumConfidenceHealthyShare float64
}

// Engine resolves disagreements and computes weighted scores.
type Engine struct {
	store       Store
	authorities AuthoritySource
	opts        Options
	clock       func() time.Time
	logger      *slog.Logger
}

func NewEngine(store Store, authorities AuthoritySource, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConvergenceThreshold <= 0 {
		opts.ConvergenceThreshold = 70
	}
	if opts.NudgeEpsilon <= 0 {
		opts.NudgeEpsilon = 0.02
	}
	if opts.MediumConfidenceHealthyShare <= 0 {
		opts.MediumConfidenceHealthyShare = 0.7
	}
	return &Engine{
		store:       store,
		authorities: authorities,
		opts:        opts,
		clock:       time.Now,
		logger:      logger.With("component", "consensus"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

type partition struct {
	value   string
	engines []string
	weight  float64
}

// ResolveDisagreement partitions the observations by value, sums each
// partition's current authority weight, and declares the heavier partition
// the winner. Ties break deterministically toward the partition containing
// the lexicographically smallest engine id. Each opposing engine pair leaves
// an immutable disagreement record and a bounded authority nudge toward the
// winning side.
func (e *Engine) ResolveDisagreement(ctx context.Context, promptID string, observations []Observation) (*Resolution, error) {
	if len(observations) == 0 {
		return nil, ErrNoObservations
	}

	byValue := make(map[string]*partition)
	for _, obs := range observations {
		a, err := e.authorities.Get(ctx, obs.EngineID)
		if err != nil {
			return nil, fmt.Errorf("consensus: failed to load authority for %s: %w", obs.EngineID, err)
		}
		p, ok := byValue[obs.Value]
		if !ok {
			p = &partition{value: obs.Value}
			byValue[obs.Value] = p
		}
		p.engines = append(p.engines, obs.EngineID)
		p.weight += a.AuthorityWeight
	}

	partitions := make([]*partition, 0, len(byValue))
	for _, p := range byValue {
		sort.Strings(p.engines)
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].weight != partitions[j].weight {
			return partitions[i].weight > partitions[j].weight
		}
		return partitions[i].engines[0] < partitions[j].engines[0]
	})
	winner := partitions[0]
	agreed := len(partitions) == 1

	if !agreed {
		if err := e.recordDisagreements(ctx, promptID, partitions); err != nil {
			return nil, err
		}
	}

	agreedCount, total, err := e.store.RecordCheck(ctx, promptID, agreed)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to record check: %w", err)
	}
	convergence := float64(agreedCount) / float64(total) * 100

	resolution := &Resolution{
		PromptID:                promptID,
		Winner:                  winner.value,
		WinnerEngines:           winner.engines,
		WinnerWeight:            winner.weight,
		ConvergenceScore:        convergence,
		NeedsManualVerification: convergence < e.opts.ConvergenceThreshold,
	}
	resolution.Explanation = e.explainResolution(partitions, agreed, convergence)

	e.logger.InfoContext(ctx, "disagreement resolved",
		"prompt_id", promptID,
		"winner", winner.value,
		"winner_weight", winner.weight,
		"partitions", len(partitions),
		"convergence", convergence,
	)
	return resolution, nil
}

func (e *Engine) recordDisagreements(ctx context.Context, promptID string, partitions []*partition) error {
	winner := partitions[0]
	winning := make(map[string]bool, len(winner.engines))
	for _, id := range winner.engines {
		winning[id] = true
	}

	now := e.clock().UTC()
	eps := e.opts.NudgeEpsilon
	nudged := make(map[string]bool)

	for i, pa := range partitions {
		for _, pb := range partitions[i+1:] {
			for _, ea := range pa.engines {
				for _, eb := range pb.engines {
					d := &Disagreement{
						ID:               uuid.New().String(),
						PromptID:         promptID,
						EngineA:          ea,
						EngineB:          eb,
						DisagreementType: "value_conflict",
						ValueA:           pa.value,
						ValueB:           pb.value,
						ResolutionMethod: "authority_weighted_vote",
						CreatedAt:        now,
					}
					switch {
					case winning[ea]:
						d.Winner = ea
						d.DeltaA = eps
						d.DeltaB = -eps
					case winning[eb]:
						d.Winner = eb
						d.DeltaA = -eps
						d.DeltaB = eps
					}
					if err := e.store.SaveDisagreement(ctx, d); err != nil {
						return fmt.Errorf("consensus: failed to save disagreement: %w", err)
					}
				}
			}
		}
	}

	// One nudge per engine per resolution, regardless of how many opposing
	// pairs it appears in; the tracker clamps the result to the legal range.
	for _, p := range partitions {
		for _, engineID := range p.engines {
			if nudged[engineID] {
				continue
			}
			nudged[engineID] = true
			delta := -eps
			reason := "lost weighted consensus for prompt " + promptID
			if winning[engineID] {
				delta = eps
				reason = "won weighted consensus for prompt " + promptID
			}
			if err := e.authorities.Nudge(ctx, engineID, delta, reason); err != nil {
				e.logger.WarnContext(ctx, "authority nudge failed",
					"engine_id", engineID, "error", err)
			}
		}
	}
	return nil
}

func (e *Engine) explainResolution(partitions []*partition, agreed bool, convergence float64) string {
	if agreed {
		return fmt.Sprintf("all engines agree on %q (convergence %.1f%%)",
			partitions[0].value, convergence)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "value %q wins with weight %.2f from %s",
		partitions[0].value, partitions[0].weight, strings.Join(partitions[0].engines, ", "))
	for _, p := range partitions[1:] {
		fmt.Fprintf(&b, "; %q had weight %.2f from %s",
			p.value, p.weight, strings.Join(p.engines, ", "))
	}
	fmt.Fprintf(&b, " (convergence %.1f%%)", convergence)
	return b.String()
}

// WeightedScore aggregates raw per-engine scores into an authority-weighted
// visibility score. Unavailable engines contribute their discounted snapshot
// reliability instead of the raw input and flag the result estimated.
func (e *Engine) WeightedScore(ctx context.Context, promptID string, scores []EngineScore) (*ScoreResult, error) {
	if len(scores) == 0 {
		return nil, ErrNoScores
	}

	result := &ScoreResult{PromptID: promptID}
	var weightedSum, weightTotal, plainSum float64
	var lowAuthority []string
	contributors := make([]string, 0, len(scores))

	for _, s := range scores {
		es, err := e.authorities.Score(ctx, s.EngineID)
		if err != nil {
			return nil, fmt.Errorf("consensus: failed to score engine %s: %w", s.EngineID, err)
		}
		contributors = append(contributors, s.EngineID)

		effective := s.RawScore
		if es.Estimated {
			effective = es.Reliability
			result.IsEstimated = true
		}
		if es.Status == authority.StatusDegraded || es.Status == authority.StatusUnavailable {
			result.DegradedEngines = append(result.DegradedEngines, s.EngineID)
		}
		if es.Weight < 1.0 {
			lowAuthority = append(lowAuthority, fmt.Sprintf("%s (weight %.2f)", s.EngineID, es.Weight))
		}

		result.Breakdown = append(result.Breakdown, ScoreBreakdown{
			EngineID:       s.EngineID,
			RawScore:       s.RawScore,
			EffectiveScore: effective,
			Weight:         es.Weight,
			Status:         string(es.Status),
			Estimated:      es.Estimated,
		})
		weightedSum += effective * es.Weight
		weightTotal += es.Weight
		plainSum += effective
	}

	result.WeightedAVS = weightedSum / weightTotal
	result.UnweightedAVS = plainSum / float64(len(scores))
	if len(lowAuthority) > 0 {
		result.LowAuthorityImpact = fmt.Sprintf(
			"score influenced by engines with reduced authority: %s",
			strings.Join(lowAuthority, ", "))
	}

	level, err := e.confidenceLevel(ctx, result)
	if err != nil {
		return nil, err
	}
	result.ConfidenceLevel = level

	if err := e.store.RecordContribution(ctx, promptID, contributors); err != nil {
		return nil, fmt.Errorf("consensus: failed to record contributors: %w", err)
	}
	return result, nil
}

// confidenceLevel: high when every contributing engine is healthy and nothing
// was estimated; medium while most tracked engines stay healthy; low
// otherwise.
func (e *Engine) confidenceLevel(ctx context.Context, result *ScoreResult) (ConfidenceLevel, error) {
	if !result.IsEstimated && len(result.DegradedEngines) == 0 {
		allHealthy := true
		for _, b := range result.Breakdown {
			if b.Status != string(authority.StatusHealthy) {
				allHealthy = false
				break
			}
		}
		if allHealthy {
			return ConfidenceHigh, nil
		}
	}

	tracked, err := e.authorities.List(ctx)
	if err != nil {
		return "", fmt.Errorf("consensus: failed to list engines: %w", err)
	}
	if len(tracked) == 0 {
		return ConfidenceLow, nil
	}
	healthy := 0
	for _, a := range tracked {
		if a.Status == authority.StatusHealthy {
			healthy++
		}
	}
	if float64(healthy)/float64(len(tracked)) >= e.opts.MediumConfidenceHealthyShare {
		return ConfidenceMedium, nil
	}
	return ConfidenceLow, nil
}

// ConfidencePropagation derives a reliability discount from the engines that
// contributed to the given prompt's score and applies it to the raw
// aggregate. The discount is per-prompt: the same global engine state
// affects prompts differently depending on which engines each one queried.
func (e *Engine) ConfidencePropagation(ctx context.Context, promptID string, rawAggregate float64) (*Confidence, error) {
	contributors, err := e.store.Contributors(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to load contributors: %w", err)
	}
	if len(contributors) == 0 {
		return nil, ErrNoContributors
	}

	var reliabilitySum float64
	for _, engineID := range contributors {
		es, err := e.authorities.Score(ctx, engineID)
		if err != nil {
			return nil, fmt.Errorf("consensus: failed to score engine %s: %w", engineID, err)
		}
		reliabilitySum += es.Reliability
	}
	reliability := reliabilitySum / float64(len(contributors))
	multiplier := reliability / 100

	return &Confidence{
		PromptID:              promptID,
		ReliabilityPercentage: reliability,
		ConfidenceMultiplier:  multiplier,
		AdjustedScore:         rawAggregate * multiplier,
	}, nil
}
