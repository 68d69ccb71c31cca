package authority

// Weights holds the constants of the authority weight computation. The
// numbers are empirically tuned, so they are carried as configuration rather
// than hard-coded into the formula.
type Weights struct {
	Base             float64 // formula intercept
	ReliabilityCoeff float64
	CitationCoeff    float64
	FreshnessCoeff   float64
	Floor            float64
	Ceiling          float64

	// Failure overrides. At or above UnavailableThreshold consecutive
	// failures the weight is pinned to UnavailableOverride; at or above
	// DegradedThreshold it is pinned to DegradedOverride. The overrides win
	// over the formula so a just-recovered engine does not instantly regain
	// full trust.
	DegradedOverride     float64
	UnavailableOverride  float64
	DegradedThreshold    int64
	UnavailableThreshold int64

	// MinSampleSize is the query count below which reliability keeps its
	// prior estimate instead of being recomputed from a tiny sample.
	MinSampleSize int64

	// FallbackDiscount scales a snapshot reliability score substituted for
	// an unavailable engine.
	FallbackDiscount float64

	// NudgeEpsilon bounds per-disagreement authority adjustments.
	NudgeEpsilon float64

	// StaleAfterHours is the idle horizon after which decay starts pulling
	// the freshness index down.
	StaleAfterHours float64
}

// DefaultWeights returns the production constants.
func DefaultWeights() Weights {
	return Weights{
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
	}
}

// Compute derives the authority weight for the given metrics. Overrides for
// consecutive failures take precedence over the formula; the formula result
// is clamped to [Floor, Ceiling].
func (w Weights) Compute(reliability, citation, freshness float64, consecutiveFailures int64) float64 {
	if consecutiveFailures >= w.UnavailableThreshold {
		return w.UnavailableOverride
	}
	if consecutiveFailures >= w.DegradedThreshold {
		return w.DegradedOverride
	}
	weight := w.Base +
		w.ReliabilityCoeff*(reliability/100) +
		w.CitationCoeff*(citation/100) +
		w.FreshnessCoeff*(freshness/100)
	return clamp(weight, w.Floor, w.Ceiling)
}

// StatusFor derives the health status from the consecutive failure count.
func (w Weights) StatusFor(consecutiveFailures int64) Status {
	switch {
	case consecutiveFailures >= w.UnavailableThreshold:
		return StatusUnavailable
	case consecutiveFailures >= w.DegradedThreshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// ClampWeight bounds an externally adjusted weight, keeping consensus nudges
// inside the legal range.
func (w Weights) ClampWeight(weight float64) float64 {
	return clamp(weight, w.Floor, w.Ceiling)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
