// Package analysis implements the prompt_analysis job: fan a prompt out to
// the configured answer engines, record each engine's behavior with the
// authority tracker, and fold the observations into a consensus resolution
// and weighted visibility score.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forzeo/forzeo-core/pkg/authority"
	"github.com/forzeo/forzeo-core/pkg/consensus"
	"github.com/forzeo/forzeo-core/pkg/engineclient"
	"github.com/forzeo/forzeo-core/pkg/queue"
	"github.com/forzeo/forzeo-core/pkg/runner"
)

// JobType is the queue type name this handler serves.
const JobType = "prompt_analysis"

// PayloadSchema validates prompt_analysis payloads at submission time.
const PayloadSchema = `{
	"type": "object",
	"required": ["prompt_id", "prompt", "brand"],
	"properties": {
		"prompt_id": {"type": "string", "minLength": 1},
		"prompt":    {"type": "string", "minLength": 1},
		"brand":     {"type": "string", "minLength": 1},
		"engines":   {"type": "array", "items": {"type": "string", "minLength": 1}}
	}
}`

// ErrNoEngineResponded means every configured engine failed or was over
// budget; the job is retryable.
var ErrNoEngineResponded = errors.New("analysis: no engine responded")

// Payload is one prompt to analyze. Engines optionally narrows the run to a
// subset of the configured engines.
type Payload struct {
	PromptID string   `json:"prompt_id"`
	Prompt   string   `json:"prompt"`
	Brand    string   `json:"brand"`
	Engines  []string `json:"engines,omitempty"`
}

// Mention is the structured visibility signal a provider extracts from an
// engine response.
type Mention struct {
	Value string  `json:"value"` // e.g. "mentioned", "not_mentioned"
	Score float64 `json:"score"` // visibility score 0-100
}

// EngineOutcome records how one engine behaved during the run.
type EngineOutcome struct {
	EngineID       string  `json:"engine_id"`
	Success        bool    `json:"success"`
	RateLimited    bool    `json:"rate_limited,omitempty"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
	Value          string  `json:"value,omitempty"`
	Score          float64 `json:"score,omitempty"`
}

// Report is the job result payload stored with the completed work item.
type Report struct {
	PromptID   string                 `json:"prompt_id"`
	Brand      string                 `json:"brand"`
	Outcomes   []EngineOutcome        `json:"outcomes"`
	Resolution *consensus.Resolution  `json:"resolution,omitempty"`
	Score      *consensus.ScoreResult `json:"score,omitempty"`
	Confidence *consensus.Confidence  `json:"confidence,omitempty"`
}

// Analyzer runs prompt analyses. It satisfies the job runner's Handler
// interface for the prompt_analysis type.
type Analyzer struct {
	client    engineclient.Client
	tracker   *authority.Tracker
	consensus *consensus.Engine
	engines   []string
	logger    *slog.Logger
}

// NewAnalyzer wires the handler. engines is the default fan-out set used
// when a payload names none.
func NewAnalyzer(client engineclient.Client, tracker *authority.Tracker, eng *consensus.Engine, engines []string, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		client:    client,
		tracker:   tracker,
		consensus: eng,
		engines:   engines,
		logger:    logger.With("component", "analysis"),
	}
}

// TypeSpec returns the queue registration for this handler.
func (a *Analyzer) TypeSpec(costPerItemCents int64, maxRetries int) queue.TypeSpec {
	return queue.TypeSpec{
		Name:             JobType,
		MaxBatchSize:     5000,
		CostPerItemCents: costPerItemCents,
		MaxRetries:       maxRetries,
		Schema:           PayloadSchema,
	}
}

func (a *Analyzer) Type() string { return JobType }

// Handle runs one prompt against every engine in scope. Engine failures and
// timeouts are recorded against the engine's authority and do not fail the
// job; only a fully empty run does. A malformed payload is permanent.
func (a *Analyzer) Handle(ctx context.Context, item *queue.WorkItem) ([]byte, error) {
	var payload Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return nil, runner.Permanent(fmt.Errorf("analysis: malformed payload: %w", err))
	}
	if payload.PromptID == "" || payload.Prompt == "" || payload.Brand == "" {
		return nil, runner.Permanent(errors.New("analysis: payload missing prompt_id, prompt, or brand"))
	}

	engines := payload.Engines
	if len(engines) == 0 {
		engines = a.engines
	}
	if len(engines) == 0 {
		return nil, runner.Permanent(errors.New("analysis: no engines configured"))
	}

	report := &Report{PromptID: payload.PromptID, Brand: payload.Brand}
	var observations []consensus.Observation
	var scores []consensus.EngineScore

	req := engineclient.Request{
		PromptID: payload.PromptID,
		Prompt:   payload.Prompt,
		Brand:    payload.Brand,
	}
	for _, engineID := range engines {
		outcome := a.queryEngine(ctx, engineID, req)
		report.Outcomes = append(report.Outcomes, outcome)
		if !outcome.Success {
			continue
		}
		observations = append(observations, consensus.Observation{
			EngineID: engineID,
			Value:    outcome.Value,
		})
		scores = append(scores, consensus.EngineScore{
			EngineID: engineID,
			RawScore: outcome.Score,
		})
	}

	if len(observations) == 0 {
		return nil, fmt.Errorf("%w: prompt %s across %d engines",
			ErrNoEngineResponded, payload.PromptID, len(engines))
	}

	resolution, err := a.consensus.ResolveDisagreement(ctx, payload.PromptID, observations)
	if err != nil {
		return nil, fmt.Errorf("analysis: consensus resolution failed: %w", err)
	}
	report.Resolution = resolution

	score, err := a.consensus.WeightedScore(ctx, payload.PromptID, scores)
	if err != nil {
		return nil, fmt.Errorf("analysis: scoring failed: %w", err)
	}
	report.Score = score

	confidence, err := a.consensus.ConfidencePropagation(ctx, payload.PromptID, score.WeightedAVS)
	if err != nil {
		return nil, fmt.Errorf("analysis: confidence propagation failed: %w", err)
	}
	report.Confidence = confidence

	a.logger.InfoContext(ctx, "prompt analyzed",
		"prompt_id", payload.PromptID,
		"engines_responded", len(observations),
		"weighted_avs", score.WeightedAVS,
		"confidence", score.ConfidenceLevel,
	)
	return json.Marshal(report)
}

// queryEngine calls one engine and records the result with the authority
// tracker. Rate-limit rejections are our throttling, not engine behavior,
// so they are skipped rather than recorded as failures.
func (a *Analyzer) queryEngine(ctx context.Context, engineID string, req engineclient.Request) EngineOutcome {
	outcome := EngineOutcome{EngineID: engineID}

	started := time.Now()
	res, err := a.client.Query(ctx, engineID, req)
	elapsed := time.Since(started)

	if errors.Is(err, engineclient.ErrRateLimited) {
		outcome.RateLimited = true
		outcome.Error = err.Error()
		a.logger.WarnContext(ctx, "engine call over budget", "engine_id", engineID)
		return outcome
	}

	success := err == nil && res != nil && res.Success
	responseMs := float64(elapsed.Milliseconds())
	citation := false
	if res != nil {
		if res.ResponseTime > 0 {
			responseMs = float64(res.ResponseTime.Milliseconds())
		}
		citation = res.CitationPresent
	}
	outcome.Success = success
	outcome.ResponseTimeMs = responseMs
	if err != nil {
		outcome.Error = err.Error()
	}

	if _, recErr := a.tracker.RecordResult(ctx, engineID, success, responseMs, citation); recErr != nil {
		a.logger.ErrorContext(ctx, "failed to record engine result",
			"engine_id", engineID, "error", recErr)
	}

	if success && res.RawMention != nil {
		var mention Mention
		if err := json.Unmarshal(res.RawMention, &mention); err != nil {
			outcome.Success = false
			outcome.Error = fmt.Sprintf("analysis: undecodable mention from %s: %v", engineID, err)
			return outcome
		}
		outcome.Value = mention.Value
		outcome.Score = mention.Score
	} else if success {
		outcome.Success = false
		outcome.Error = fmt.Sprintf("analysis: engine %s returned no mention data", engineID)
	}
	return outcome
}
