package consensus

import (
	"context"
	"sync"
)

// MemoryStore implements Store in memory for tests and single-process
// deployments.
type MemoryStore struct {
	mu            sync.Mutex
	disagreements []*Disagreement
	tallies       map[string]*tally
	contributors  map[string][]string
}

type tally struct {
	agreed int
	total  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tallies:      make(map[string]*tally),
		contributors: make(map[string][]string),
	}
}

func (s *MemoryStore) SaveDisagreement(_ context.Context, d *Disagreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *d
	s.disagreements = append(s.disagreements, &copied)
	return nil
}

func (s *MemoryStore) Disagreements(_ context.Context, promptID string) ([]*Disagreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Disagreement
	for _, d := range s.disagreements {
		if d.PromptID == promptID {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordCheck(_ context.Context, promptID string, agreed bool) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tallies[promptID]
	if !ok {
		t = &tally{}
		s.tallies[promptID] = t
	}
	t.total++
	if agreed {
		t.agreed++
	}
	return t.agreed, t.total, nil
}

func (s *MemoryStore) Tally(_ context.Context, promptID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tallies[promptID]
	if !ok {
		return 0, 0, nil
	}
	return t.agreed, t.total, nil
}

func (s *MemoryStore) RecordContribution(_ context.Context, promptID string, engineIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contributors[promptID] = append([]string(nil), engineIDs...)
	return nil
}

func (s *MemoryStore) Contributors(_ context.Context, promptID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.contributors[promptID]...), nil
}
