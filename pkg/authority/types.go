// Package authority tracks per-engine trust. Every engine query result feeds
// a per-engine record of reliability, citation completeness, and freshness,
// from which a bounded authority weight is derived. Consecutive failures move
// an engine through healthy, degraded, and unavailable, opening and closing
// outage intervals on the transitions.
package authority

import (
	"errors"
	"time"
)

// Status is the health state of an engine.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
	// StatusMaintenance is a manual operator override. Result recording keeps
	// counters current but does not move the engine out of maintenance.
	StatusMaintenance Status = "maintenance"
)

var (
	ErrEngineNotFound   = errors.New("authority: engine not found")
	ErrVersionConflict  = errors.New("authority: version conflict")
	ErrOutageOpen       = errors.New("authority: outage already open for engine")
	ErrNoOpenOutage     = errors.New("authority: no open outage for engine")
	ErrNoSnapshot       = errors.New("authority: no snapshot available for engine")
	ErrEngineExists     = errors.New("authority: engine already registered")
	ErrNotInMaintenance = errors.New("authority: engine not in maintenance")
)

// Authority is the per-engine trust record. Rows are versioned; writers must
// pass the version they read and retry on conflict so concurrent recordings
// never lose updates.
type Authority struct {
	EngineID             string     `json:"engine_id"`
	DisplayName          string     `json:"display_name"`
	ReliabilityScore     float64    `json:"reliability_score"`     // 0-100 rolling success rate
	CitationCompleteness float64    `json:"citation_completeness"` // 0-100
	FreshnessIndex       float64    `json:"freshness_index"`       // 0-100
	AuthorityWeight      float64    `json:"authority_weight"`
	Status               Status     `json:"status"`
	ConsecutiveFailures  int64      `json:"consecutive_failures"`
	TotalQueries         int64      `json:"total_queries"`
	SuccessfulQueries    int64      `json:"successful_queries"`
	CitedQueries         int64      `json:"cited_queries"`
	AvgResponseTimeMs    float64    `json:"avg_response_time_ms"`
	LastSuccessfulQuery  *time.Time `json:"last_successful_query,omitempty"`
	LastFailure          *time.Time `json:"last_failure,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
	Version              int64      `json:"version"`
}

// Outage is an interval during which an engine was unavailable. EndedAt is
// nil while the outage is open; at most one open outage exists per engine.
type Outage struct {
	ID                 string     `json:"id"`
	EngineID           string     `json:"engine_id"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	FallbackSnapshotID string     `json:"fallback_snapshot_id,omitempty"`
	ResolutionType     string     `json:"resolution_type,omitempty"`
}

// Snapshot is a point-in-time copy of an engine's trust metrics, taken daily
// and used for trend queries and outage fallback.
type Snapshot struct {
	ID                   string    `json:"id"`
	EngineID             string    `json:"engine_id"`
	ReliabilityScore     float64   `json:"reliability_score"`
	CitationCompleteness float64   `json:"citation_completeness"`
	FreshnessIndex       float64   `json:"freshness_index"`
	AuthorityWeight      float64   `json:"authority_weight"`
	Status               Status    `json:"status"`
	TakenAt              time.Time `json:"taken_at"`
}
