package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TuningProfile holds the empirically-chosen constants of the scoring and
// scheduling subsystems. The numeric values are tuned, not derived; keeping
// them in a profile lets deployments adjust them without a rebuild.
type TuningProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Authority AuthorityTuning `yaml:"authority" json:"authority"`
	Queue     QueueTuning     `yaml:"queue" json:"queue"`
	Consensus ConsensusTuning `yaml:"consensus" json:"consensus"`
}

// AuthorityTuning configures the authority-weight formula and the
// failure-threshold state machine.
type AuthorityTuning struct {
	Base                 float64 `yaml:"base" json:"base"`
	ReliabilityCoeff     float64 `yaml:"reliability_coeff" json:"reliability_coeff"`
	CitationCoeff        float64 `yaml:"citation_coeff" json:"citation_coeff"`
	FreshnessCoeff       float64 `yaml:"freshness_coeff" json:"freshness_coeff"`
	Floor                float64 `yaml:"floor" json:"floor"`
	Ceiling              float64 `yaml:"ceiling" json:"ceiling"`
	DegradedOverride     float64 `yaml:"degraded_override" json:"degraded_override"`
	UnavailableOverride  float64 `yaml:"unavailable_override" json:"unavailable_override"`
	DegradedThreshold    int     `yaml:"degraded_threshold" json:"degraded_threshold"`
	UnavailableThreshold int     `yaml:"unavailable_threshold" json:"unavailable_threshold"`
	MinSampleSize        int     `yaml:"min_sample_size" json:"min_sample_size"`
	FallbackDiscount     float64 `yaml:"fallback_discount" json:"fallback_discount"`
	NudgeEpsilon         float64 `yaml:"nudge_epsilon" json:"nudge_epsilon"`
	StaleAfterHours      int     `yaml:"stale_after_hours" json:"stale_after_hours"`
}

// QueueTuning configures retry and retention behavior of the work queue.
type QueueTuning struct {
	DefaultMaxRetries  int `yaml:"default_max_retries" json:"default_max_retries"`
	RetentionDays      int `yaml:"retention_days" json:"retention_days"`
	ThroughputPerMin   int `yaml:"throughput_per_min" json:"throughput_per_min"`
	ClaimLimit         int `yaml:"claim_limit" json:"claim_limit"`
	HandlerTimeoutSecs int `yaml:"handler_timeout_secs" json:"handler_timeout_secs"`
}

// ConsensusTuning configures disagreement resolution.
type ConsensusTuning struct {
	ConvergenceThreshold float64 `yaml:"convergence_threshold" json:"convergence_threshold"`
}

// DefaultProfile returns the tuning constants the system ships with.
func DefaultProfile() *TuningProfile {
	return &TuningProfile{
		Name: "default",
		Authority: AuthorityTuning{
			Base:                 0.8,
			ReliabilityCoeff:     0.4,
			CitationCoeff:        0.2,
			FreshnessCoeff:       0.1,
			Floor:                0.5,
			Ceiling:              1.5,
			DegradedOverride:     0.75,
			UnavailableOverride:  0.5,
			DegradedThreshold:    3,
			UnavailableThreshold: 5,
			MinSampleSize:        10,
			FallbackDiscount:     0.8,
			NudgeEpsilon:         0.02,
			StaleAfterHours:      48,
		},
		Queue: QueueTuning{
			DefaultMaxRetries:  3,
			RetentionDays:      30,
			ThroughputPerMin:   60,
			ClaimLimit:         25,
			HandlerTimeoutSecs: 60,
		},
		Consensus: ConsensusTuning{
			ConvergenceThreshold: 70,
		},
	}
}

// LoadProfile reads a tuning profile from a YAML file and validates it.
func LoadProfile(path string) (*TuningProfile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}

	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return profile, nil
}

// Validate checks profile constants for internal consistency.
func (p *TuningProfile) Validate() error {
	a := p.Authority
	if a.Floor <= 0 || a.Ceiling <= a.Floor {
		return fmt.Errorf("authority floor/ceiling out of order: floor=%.2f ceiling=%.2f", a.Floor, a.Ceiling)
	}
	if a.DegradedThreshold <= 0 || a.UnavailableThreshold <= a.DegradedThreshold {
		return fmt.Errorf("failure thresholds out of order: degraded=%d unavailable=%d", a.DegradedThreshold, a.UnavailableThreshold)
	}
	if a.FallbackDiscount <= 0 || a.FallbackDiscount > 1 {
		return fmt.Errorf("fallback discount must be in (0,1]: %.2f", a.FallbackDiscount)
	}
	if a.NudgeEpsilon < 0 {
		return fmt.Errorf("nudge epsilon must not be negative: %.3f", a.NudgeEpsilon)
	}
	if p.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries must not be negative: %d", p.Queue.DefaultMaxRetries)
	}
	if p.Consensus.ConvergenceThreshold < 0 || p.Consensus.ConvergenceThreshold > 100 {
		return fmt.Errorf("convergence threshold must be a percentage: %.1f", p.Consensus.ConvergenceThreshold)
	}
	return nil
}
