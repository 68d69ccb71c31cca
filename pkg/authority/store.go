package authority

import (
	"context"
	"time"
)

// Store persists authority records, outages, snapshots, and the audit log.
//
// Update is a compare-and-swap: it writes the record only if the stored
// version equals expectedVersion, returning ErrVersionConflict otherwise.
// OpenOutage is conditional on no open outage existing for the engine, so the
// at-most-one-open-outage invariant holds under concurrent writers.
type Store interface {
	Create(ctx context.Context, a *Authority) error
	Get(ctx context.Context, engineID string) (*Authority, error)
	List(ctx context.Context) ([]*Authority, error)
	Update(ctx context.Context, a *Authority, expectedVersion int64) error

	OpenOutage(ctx context.Context, o *Outage) error
	CloseOutage(ctx context.Context, engineID string, endedAt time.Time, resolution string) error
	ActiveOutages(ctx context.Context) ([]*Outage, error)
	OutageHistory(ctx context.Context, engineID string, limit int) ([]*Outage, error)

	SaveSnapshot(ctx context.Context, s *Snapshot) error
	LatestSnapshot(ctx context.Context, engineID string) (*Snapshot, error)

	AppendAudit(ctx context.Context, e *AuditEntry) error
	AuditLog(ctx context.Context, engineID string, limit int) ([]*AuditEntry, error)
}
