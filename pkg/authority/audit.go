package authority

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// AuditEntry is one append-only record of a trust mutation. ContentHash is
// computed over the RFC 8785 canonical form of the entry body, so the same
// observation always hashes identically regardless of field ordering.
type AuditEntry struct {
	ID              string    `json:"id"`
	EngineID        string    `json:"engine_id"`
	RecordedAt      time.Time `json:"recorded_at"`
	Success         bool      `json:"success"`
	ResponseTimeMs  float64   `json:"response_time_ms"`
	CitationPresent bool      `json:"citation_present"`
	PrevStatus      Status    `json:"prev_status"`
	NewStatus       Status    `json:"new_status"`
	PrevWeight      float64   `json:"prev_weight"`
	NewWeight       float64   `json:"new_weight"`
	Reason          string    `json:"reason,omitempty"`
	ContentHash     string    `json:"content_hash,omitempty"`
}

// Seal computes and sets the entry's content hash. The hash field itself is
// excluded from the hashed content.
func (e *AuditEntry) Seal() error {
	body := *e
	body.ContentHash = ""
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("authority: failed to marshal audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("authority: failed to canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	e.ContentHash = hex.EncodeToString(sum[:])
	return nil
}

// Verify recomputes the content hash and reports whether it matches.
func (e *AuditEntry) Verify() (bool, error) {
	stored := e.ContentHash
	copied := *e
	if err := copied.Seal(); err != nil {
		return false, err
	}
	return copied.ContentHash == stored, nil
}
