package authority_test

import (
	"testing"

	"github.com/forzeo/forzeo-core/pkg/authority"
	"github.com/stretchr/testify/assert"
)

func TestCompute_FormulaAndClamp(t *testing.T) {
	w := authority.DefaultWeights()

	// Perfect metrics hit the ceiling exactly.
	assert.InDelta(t, 1.5, w.Compute(100, 100, 100, 0), 1e-9)

	// All-zero metrics leave just the base term.
	assert.InDelta(t, 0.8, w.Compute(0, 0, 0, 0), 1e-9)

	// Mid-range metrics follow the formula.
	got := w.Compute(90, 50, 80, 0)
	assert.InDelta(t, 0.8+0.4*0.9+0.2*0.5+0.1*0.8, got, 1e-9)
}

func TestCompute_FailureOverrides(t *testing.T) {
	w := authority.DefaultWeights()

	// Overrides win over the formula even with perfect metrics, so a
	// just-recovered engine does not instantly regain full trust.
	assert.Equal(t, 0.75, w.Compute(100, 100, 100, 3))
	assert.Equal(t, 0.75, w.Compute(100, 100, 100, 4))
	assert.Equal(t, 0.5, w.Compute(100, 100, 100, 5))
	assert.Equal(t, 0.5, w.Compute(100, 100, 100, 12))
}

func TestStatusFor_Thresholds(t *testing.T) {
	w := authority.DefaultWeights()

	assert.Equal(t, authority.StatusHealthy, w.StatusFor(0))
	assert.Equal(t, authority.StatusHealthy, w.StatusFor(2))
	assert.Equal(t, authority.StatusDegraded, w.StatusFor(3))
	assert.Equal(t, authority.StatusDegraded, w.StatusFor(4))
	assert.Equal(t, authority.StatusUnavailable, w.StatusFor(5))
	assert.Equal(t, authority.StatusUnavailable, w.StatusFor(9))
}

func TestClampWeight_Bounds(t *testing.T) {
	w := authority.DefaultWeights()

	assert.Equal(t, 0.5, w.ClampWeight(0.1))
	assert.Equal(t, 1.5, w.ClampWeight(2.4))
	assert.Equal(t, 1.1, w.ClampWeight(1.1))
}
