package sla

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. ClaimOverdue flags rows under the
// mutex, so a concurrent sweep cannot claim the same insight.
type MemoryStore struct {
	mu       sync.Mutex
	insights map[string]*Insight
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{insights: make(map[string]*Insight)}
}

func (s *MemoryStore) Create(_ context.Context, insight *Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *insight
	s.insights[insight.ID] = &copied
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	insight, ok := s.insights[id]
	if !ok {
		return nil, ErrInsightNotFound
	}
	copied := *insight
	return &copied, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status InsightStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	insight, ok := s.insights[id]
	if !ok {
		return ErrInsightNotFound
	}
	insight.Status = status
	insight.CompletedAt = completedAt
	return nil
}

func (s *MemoryStore) ClaimOverdue(_ context.Context, now time.Time) ([]*Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*Insight
	for _, insight := range s.insights {
		if insight.Overdue || insight.Deadline.IsZero() || !insight.Deadline.Before(now) {
			continue
		}
		switch insight.Status {
		case InsightPending, InsightAcknowledged, InsightInProgress:
			insight.Overdue = true
			copied := *insight
			claimed = append(claimed, &copied)
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

func (s *MemoryStore) DeadlinesInWindow(_ context.Context, from, to time.Time) ([]*Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Insight
	for _, insight := range s.insights {
		if insight.Deadline.IsZero() {
			continue
		}
		if insight.Deadline.Before(from) || !insight.Deadline.Before(to) {
			continue
		}
		copied := *insight
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}
