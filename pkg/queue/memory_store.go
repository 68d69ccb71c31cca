package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for tests and single-process
// deployments. Claim atomicity comes from holding the mutex across selection
// and the status flip.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]*WorkItem
	batches map[string]*Batch
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*WorkItem),
		batches: make(map[string]*Batch),
	}
}

func (s *MemoryStore) CreateBatch(_ context.Context, batch *Batch, items []*WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *batch
	s.batches[batch.ID] = &copied
	for _, item := range items {
		c := *item
		s.items[item.ID] = &c
	}
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *MemoryStore) Counts(_ context.Context, batchID string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return Counts{}, ErrBatchNotFound
	}

	var c Counts
	for _, item := range s.items {
		if item.BatchID != batchID {
			continue
		}
		c.Total++
		switch item.Status {
		case StatusPending:
			c.Pending++
		case StatusProcessing:
			c.Processing++
		case StatusCompleted:
			c.Completed++
		case StatusDeadLetter:
			c.DeadLetter++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c, nil
}

func (s *MemoryStore) SetBatchStatus(_ context.Context, batchID string, status BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	b.Status = status
	return nil
}

func (s *MemoryStore) GetItem(_ context.Context, id string) (*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, limit int, types []string) ([]*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typeFilter := make(map[string]bool, len(types))
	for _, t := range types {
		typeFilter[t] = true
	}

	var eligible []*WorkItem
	for _, item := range s.items {
		if item.Status != StatusPending {
			continue
		}
		if item.ScheduledFor.After(now) {
			continue
		}
		if len(typeFilter) > 0 && !typeFilter[item.Type] {
			continue
		}
		eligible = append(eligible, item)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ScheduledFor.Before(eligible[j].ScheduledFor)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*WorkItem, 0, len(eligible))
	for _, item := range eligible {
		started := now
		item.Status = StatusProcessing
		item.StartedAt = &started
		copied := *item
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string, result []byte, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusProcessing {
		return ErrNotClaimed
	}
	item.Status = StatusCompleted
	item.Result = result
	item.CompletedAt = &completedAt
	item.ErrorMessage = ""
	return nil
}

func (s *MemoryStore) MarkRetry(_ context.Context, id string, errMsg string, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusProcessing {
		return ErrNotClaimed
	}
	item.Status = StatusPending
	item.RetryCount++
	item.ScheduledFor = nextRun
	item.ErrorMessage = errMsg
	item.StartedAt = nil
	return nil
}

func (s *MemoryStore) MarkDeadLetter(_ context.Context, id string, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusProcessing {
		return ErrNotClaimed
	}
	item.Status = StatusDeadLetter
	item.ErrorMessage = errMsg
	item.CompletedAt = &completedAt
	return nil
}

func (s *MemoryStore) Replay(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusDeadLetter {
		return ErrNotReplayable
	}
	item.Status = StatusPending
	item.RetryCount = 0
	item.ErrorMessage = ""
	item.ScheduledFor = now
	item.StartedAt = nil
	item.CompletedAt = nil
	return nil
}

func (s *MemoryStore) CancelPending(_ context.Context, batchID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, item := range s.items {
		if item.BatchID != batchID || item.Status != StatusPending {
			continue
		}
		item.Status = StatusCancelled
		item.CompletedAt = &now
		cancelled++
	}
	return cancelled, nil
}

func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, item := range s.items {
		if item.Status != StatusCompleted && item.Status != StatusDeadLetter {
			continue
		}
		if item.CompletedAt == nil || item.CompletedAt.After(olderThan) {
			continue
		}
		delete(s.items, id)
		purged++
	}
	return purged, nil
}
