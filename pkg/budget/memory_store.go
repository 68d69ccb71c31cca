package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Storage in memory. Reservation atomicity comes
// from holding the mutex across the check and the increment.
type MemoryStore struct {
	mu      sync.Mutex
	budgets map[string]*Budget
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[string]*Budget)}
}

func (s *MemoryStore) Get(_ context.Context, orgID string) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[orgID]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (s *MemoryStore) SetLimit(_ context.Context, orgID string, monthlyCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[orgID]
	if !ok {
		b = &Budget{OrgID: orgID}
		s.budgets[orgID] = b
	}
	b.MonthlyLimitCents = monthlyCents
	b.LastUpdated = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Reserve(_ context.Context, orgID string, amountCents int64, now time.Time) (*Budget, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[orgID]
	if !ok {
		b = &Budget{OrgID: orgID}
		s.budgets[orgID] = b
	}

	// Monthly usage resets when the period rolls over.
	if b.LastUpdated.UTC().Month() != now.Month() || b.LastUpdated.UTC().Year() != now.Year() {
		b.MonthlyUsedCents = 0
	}

	// Zero limit means the organization is not budget-constrained.
	if b.MonthlyLimitCents > 0 && b.MonthlyUsedCents+amountCents > b.MonthlyLimitCents {
		copied := *b
		return &copied, false, nil
	}

	b.MonthlyUsedCents += amountCents
	b.LastUpdated = now
	copied := *b
	return &copied, true, nil
}

func (s *MemoryStore) Release(_ context.Context, orgID string, amountCents int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[orgID]
	if !ok {
		return nil
	}
	b.MonthlyUsedCents -= amountCents
	if b.MonthlyUsedCents < 0 {
		b.MonthlyUsedCents = 0
	}
	b.LastUpdated = now
	return nil
}
