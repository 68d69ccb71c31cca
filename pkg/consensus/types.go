// Package consensus resolves conflicting per-engine observations into one
// authority-weighted answer and computes reliability-adjusted aggregate
// scores. Every resolved conflict leaves an immutable disagreement record and
// a bounded authority nudge toward the winning side.
package consensus

import (
	"errors"
	"time"
)

var (
	ErrNoObservations = errors.New("consensus: no observations provided")
	ErrNoScores       = errors.New("consensus: no engine scores provided")
	ErrNoContributors = errors.New("consensus: no recorded contributors for prompt")
)

// Observation is one engine's answer to a prompt-level question.
type Observation struct {
	EngineID string `json:"engine_id"`
	Value    string `json:"value"`
}

// Disagreement is an immutable audit record of one opposing engine pair.
// Winner is the engine of the pair that sided with the consensus, or empty
// when neither did.
type Disagreement struct {
	ID               string    `json:"id"`
	PromptID         string    `json:"prompt_id"`
	EngineA          string    `json:"engine_a"`
	EngineB          string    `json:"engine_b"`
	DisagreementType string    `json:"disagreement_type"`
	ValueA           string    `json:"value_a"`
	ValueB           string    `json:"value_b"`
	Winner           string    `json:"winner,omitempty"`
	ResolutionMethod string    `json:"resolution_method"`
	DeltaA           float64   `json:"delta_a"`
	DeltaB           float64   `json:"delta_b"`
	CreatedAt        time.Time `json:"created_at"`
}

// Resolution is the outcome of resolving one prompt-level conflict.
type Resolution struct {
	PromptID         string   `json:"prompt_id"`
	Winner           string   `json:"winner"` // winning observed value
	WinnerEngines    []string `json:"winner_engines"`
	WinnerWeight     float64  `json:"winner_weight"`
	Explanation      string   `json:"explanation"`
	ConvergenceScore float64  `json:"convergence_score"`
	// NeedsManualVerification is set when the cumulative convergence for the
	// prompt falls below the configured threshold.
	NeedsManualVerification bool `json:"needs_manual_verification"`
}

// EngineScore is one engine's raw score contribution.
type EngineScore struct {
	EngineID string  `json:"engine_id"`
	RawScore float64 `json:"raw_score"`
}

// ScoreBreakdown explains one engine's contribution to a weighted score.
type ScoreBreakdown struct {
	EngineID       string  `json:"engine_id"`
	RawScore       float64 `json:"raw_score"`
	EffectiveScore float64 `json:"effective_score"` // raw, or fallback substitute
	Weight         float64 `json:"weight"`
	Status         string  `json:"status"`
	Estimated      bool    `json:"estimated"`
}

// ConfidenceLevel buckets how much the caller should trust a score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ScoreResult is a weighted aggregate visibility score. A result computed
// while any engine was unavailable is explicitly flagged estimated and never
// looks as confident as fully-healthy data.
type ScoreResult struct {
	PromptID           string           `json:"prompt_id"`
	WeightedAVS        float64          `json:"weighted_avs"`
	UnweightedAVS      float64          `json:"unweighted_avs"`
	Breakdown          []ScoreBreakdown `json:"breakdown"`
	DegradedEngines    []string         `json:"degraded_engines"`
	ConfidenceLevel    ConfidenceLevel  `json:"confidence_level"`
	IsEstimated        bool             `json:"is_estimated"`
	LowAuthorityImpact string           `json:"low_authority_impact,omitempty"`
}

// Confidence is a per-prompt reliability discount derived from the engines
// that actually contributed to the prompt's score.
type Confidence struct {
	PromptID              string  `json:"prompt_id"`
	ReliabilityPercentage float64 `json:"reliability_percentage"`
	ConfidenceMultiplier  float64 `json:"confidence_multiplier"`
	AdjustedScore         float64 `json:"adjusted_score"`
}
