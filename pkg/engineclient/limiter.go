package engineclient

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// timeNow is overridable in tests.
var timeNow = time.Now

// CallBudget caps how fast one engine may be queried. Engines rate-limit and
// bill per call, so the budget is enforced before dispatch.
type CallBudget struct {
	PerMinute int
	Burst     int
}

// Limiter answers whether a call against an engine is within budget.
type Limiter interface {
	Allow(ctx context.Context, engineID string, cost int) (bool, error)
}

// LocalLimiter enforces per-engine budgets within a single process using
// token buckets.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	budget   CallBudget
}

// NewLocalLimiter creates a limiter applying the same budget to every engine.
func NewLocalLimiter(budget CallBudget) *LocalLimiter {
	if budget.Burst <= 0 {
		budget.Burst = 1
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		budget:   budget,
	}
}

func (l *LocalLimiter) get(engineID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[engineID]
	if !ok {
		perSecond := rate.Limit(float64(l.budget.PerMinute) / 60.0)
		if perSecond <= 0 {
			perSecond = rate.Limit(1)
		}
		lim = rate.NewLimiter(perSecond, l.budget.Burst)
		l.limiters[engineID] = lim
	}
	return lim
}

func (l *LocalLimiter) Allow(_ context.Context, engineID string, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	return l.get(engineID).AllowN(timeNow(), cost), nil
}
