package authority

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for tests and single-process
// deployments. The mutex is held across read-check-write sequences, so the
// version and open-outage invariants hold under concurrent callers.
type MemoryStore struct {
	mu        sync.Mutex
	engines   map[string]*Authority
	outages   []*Outage
	snapshots []*Snapshot
	audit     []*AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{engines: make(map[string]*Authority)}
}

func (s *MemoryStore) Create(_ context.Context, a *Authority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.engines[a.EngineID]; exists {
		return ErrEngineExists
	}
	copied := *a
	copied.Version = 1
	s.engines[a.EngineID] = &copied
	a.Version = 1
	return nil
}

func (s *MemoryStore) Get(_ context.Context, engineID string) (*Authority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.engines[engineID]
	if !ok {
		return nil, ErrEngineNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Authority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Authority, 0, len(s.engines))
	for _, a := range s.engines {
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngineID < out[j].EngineID })
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, a *Authority, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.engines[a.EngineID]
	if !ok {
		return ErrEngineNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	copied := *a
	s.engines[a.EngineID] = &copied
	return nil
}

func (s *MemoryStore) OpenOutage(_ context.Context, o *Outage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.outages {
		if existing.EngineID == o.EngineID && existing.EndedAt == nil {
			return ErrOutageOpen
		}
	}
	copied := *o
	s.outages = append(s.outages, &copied)
	return nil
}

func (s *MemoryStore) CloseOutage(_ context.Context, engineID string, endedAt time.Time, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.outages {
		if o.EngineID == engineID && o.EndedAt == nil {
			ended := endedAt
			o.EndedAt = &ended
			o.ResolutionType = resolution
			return nil
		}
	}
	return ErrNoOpenOutage
}

func (s *MemoryStore) ActiveOutages(_ context.Context) ([]*Outage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*Outage
	for _, o := range s.outages {
		if o.EndedAt == nil {
			copied := *o
			open = append(open, &copied)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].EngineID < open[j].EngineID })
	return open, nil
}

func (s *MemoryStore) OutageHistory(_ context.Context, engineID string, limit int) ([]*Outage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var history []*Outage
	for i := len(s.outages) - 1; i >= 0; i-- {
		if s.outages[i].EngineID != engineID {
			continue
		}
		copied := *s.outages[i]
		history = append(history, &copied)
		if limit > 0 && len(history) >= limit {
			break
		}
	}
	return history, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *snap
	s.snapshots = append(s.snapshots, &copied)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, engineID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Snapshot
	for _, snap := range s.snapshots {
		if snap.EngineID != engineID {
			continue
		}
		if latest == nil || snap.TakenAt.After(latest.TakenAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, ErrNoSnapshot
	}
	copied := *latest
	return &copied, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *e
	s.audit = append(s.audit, &copied)
	return nil
}

func (s *MemoryStore) AuditLog(_ context.Context, engineID string, limit int) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].EngineID != engineID {
			continue
		}
		copied := *s.audit[i]
		entries = append(entries, &copied)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}
