package authority

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite. The open-outage invariant is
// enforced structurally: a partial unique index on (engine_id) WHERE
// ended_at IS NULL backs up the conditional insert.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engine_authority (
			engine_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			reliability_score REAL NOT NULL,
			citation_completeness REAL NOT NULL,
			freshness_index REAL NOT NULL,
			authority_weight REAL NOT NULL,
			status TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			total_queries INTEGER NOT NULL DEFAULT 0,
			successful_queries INTEGER NOT NULL DEFAULT 0,
			cited_queries INTEGER NOT NULL DEFAULT 0,
			avg_response_time_ms REAL NOT NULL DEFAULT 0,
			last_successful_query TEXT,
			last_failure TEXT,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS outages (
			id TEXT PRIMARY KEY,
			engine_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			fallback_snapshot_id TEXT,
			resolution_type TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_outages_open
			ON outages (engine_id) WHERE ended_at IS NULL;`,
		`CREATE TABLE IF NOT EXISTS authority_snapshots (
			id TEXT PRIMARY KEY,
			engine_id TEXT NOT NULL,
			reliability_score REAL NOT NULL,
			citation_completeness REAL NOT NULL,
			freshness_index REAL NOT NULL,
			authority_weight REAL NOT NULL,
			status TEXT NOT NULL,
			taken_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_engine
			ON authority_snapshots (engine_id, taken_at DESC);`,
		`CREATE TABLE IF NOT EXISTS authority_audit (
			id TEXT PRIMARY KEY,
			engine_id TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			success INTEGER NOT NULL,
			response_time_ms REAL NOT NULL,
			citation_present INTEGER NOT NULL,
			prev_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			prev_weight REAL NOT NULL,
			new_weight REAL NOT NULL,
			reason TEXT,
			content_hash TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_engine
			ON authority_audit (engine_id, recorded_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("authority: migration failed: %w", err)
		}
	}
	return nil
}

const authorityColumns = `engine_id, display_name, reliability_score, citation_completeness,
	freshness_index, authority_weight, status, consecutive_failures, total_queries,
	successful_queries, cited_queries, avg_response_time_ms, last_successful_query,
	last_failure, updated_at, version`

func (s *SQLiteStore) Create(ctx context.Context, a *Authority) error {
	a.Version = 1
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_authority (`+authorityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.EngineID, a.DisplayName, a.ReliabilityScore, a.CitationCompleteness,
		a.FreshnessIndex, a.AuthorityWeight, a.Status, a.ConsecutiveFailures,
		a.TotalQueries, a.SuccessfulQueries, a.CitedQueries, a.AvgResponseTimeMs,
		fmtNullTime(a.LastSuccessfulQuery), fmtNullTime(a.LastFailure),
		a.UpdatedAt.UTC().Format(time.RFC3339Nano), a.Version)
	if err != nil {
		if exists, checkErr := s.exists(ctx, a.EngineID); checkErr == nil && exists {
			return ErrEngineExists
		}
		return fmt.Errorf("failed to insert authority: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exists(ctx context.Context, engineID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM engine_authority WHERE engine_id = ?", engineID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) Get(ctx context.Context, engineID string) (*Authority, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+authorityColumns+" FROM engine_authority WHERE engine_id = ?", engineID)
	a, err := scanAuthority(row)
	if err == sql.ErrNoRows {
		return nil, ErrEngineNotFound
	}
	return a, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Authority, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+authorityColumns+" FROM engine_authority ORDER BY engine_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list authorities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Authority
	for rows.Next() {
		a, err := scanAuthority(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, a *Authority, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_authority SET
			display_name = ?, reliability_score = ?, citation_completeness = ?,
			freshness_index = ?, authority_weight = ?, status = ?,
			consecutive_failures = ?, total_queries = ?, successful_queries = ?,
			cited_queries = ?, avg_response_time_ms = ?, last_successful_query = ?,
			last_failure = ?, updated_at = ?, version = ?
		WHERE engine_id = ? AND version = ?`,
		a.DisplayName, a.ReliabilityScore, a.CitationCompleteness,
		a.FreshnessIndex, a.AuthorityWeight, a.Status, a.ConsecutiveFailures,
		a.TotalQueries, a.SuccessfulQueries, a.CitedQueries, a.AvgResponseTimeMs,
		fmtNullTime(a.LastSuccessfulQuery), fmtNullTime(a.LastFailure),
		a.UpdatedAt.UTC().Format(time.RFC3339Nano), a.Version,
		a.EngineID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update authority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		exists, err := s.exists(ctx, a.EngineID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrEngineNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) OpenOutage(ctx context.Context, o *Outage) error {
	// Conditional insert; the partial unique index is the structural backstop
	// under concurrent writers.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outages (id, engine_id, started_at, ended_at, fallback_snapshot_id, resolution_type)
		SELECT ?, ?, ?, NULL, ?, ''
		WHERE NOT EXISTS (
			SELECT 1 FROM outages WHERE engine_id = ? AND ended_at IS NULL
		)`,
		o.ID, o.EngineID, o.StartedAt.UTC().Format(time.RFC3339Nano),
		o.FallbackSnapshotID, o.EngineID)
	if err != nil {
		return fmt.Errorf("failed to open outage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOutageOpen
	}
	return nil
}

func (s *SQLiteStore) CloseOutage(ctx context.Context, engineID string, endedAt time.Time, resolution string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outages SET ended_at = ?, resolution_type = ?
		WHERE engine_id = ? AND ended_at IS NULL`,
		endedAt.UTC().Format(time.RFC3339Nano), resolution, engineID)
	if err != nil {
		return fmt.Errorf("failed to close outage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoOpenOutage
	}
	return nil
}

func (s *SQLiteStore) ActiveOutages(ctx context.Context) ([]*Outage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, engine_id, started_at, ended_at, fallback_snapshot_id, resolution_type
		FROM outages WHERE ended_at IS NULL ORDER BY engine_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active outages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanOutages(rows)
}

func (s *SQLiteStore) OutageHistory(ctx context.Context, engineID string, limit int) ([]*Outage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, engine_id, started_at, ended_at, fallback_snapshot_id, resolution_type
		FROM outages WHERE engine_id = ? ORDER BY started_at DESC LIMIT ?`,
		engineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outage history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanOutages(rows)
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authority_snapshots
			(id, engine_id, reliability_score, citation_completeness, freshness_index,
			 authority_weight, status, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.EngineID, snap.ReliabilityScore, snap.CitationCompleteness,
		snap.FreshnessIndex, snap.AuthorityWeight, snap.Status,
		snap.TakenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, engineID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, engine_id, reliability_score, citation_completeness, freshness_index,
		       authority_weight, status, taken_at
		FROM authority_snapshots WHERE engine_id = ?
		ORDER BY taken_at DESC LIMIT 1`, engineID)

	var snap Snapshot
	var takenAt string
	err := row.Scan(&snap.ID, &snap.EngineID, &snap.ReliabilityScore,
		&snap.CitationCompleteness, &snap.FreshnessIndex, &snap.AuthorityWeight,
		&snap.Status, &takenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot time: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authority_audit
			(id, engine_id, recorded_at, success, response_time_ms, citation_present,
			 prev_status, new_status, prev_weight, new_weight, reason, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EngineID, e.RecordedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(e.Success), e.ResponseTimeMs, boolToInt(e.CitationPresent),
		e.PrevStatus, e.NewStatus, e.PrevWeight, e.NewWeight, e.Reason, e.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AuditLog(ctx context.Context, engineID string, limit int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, engine_id, recorded_at, success, response_time_ms, citation_present,
		       prev_status, new_status, prev_weight, new_weight, reason, content_hash
		FROM authority_audit WHERE engine_id = ?
		ORDER BY recorded_at DESC LIMIT ?`, engineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e          AuditEntry
			recordedAt string
			success    int
			citation   int
			reason     sql.NullString
		)
		err := rows.Scan(&e.ID, &e.EngineID, &recordedAt, &success, &e.ResponseTimeMs,
			&citation, &e.PrevStatus, &e.NewStatus, &e.PrevWeight, &e.NewWeight,
			&reason, &e.ContentHash)
		if err != nil {
			return nil, err
		}
		e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audit time: %w", err)
		}
		e.Success = success != 0
		e.CitationPresent = citation != 0
		e.Reason = reason.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func scanAuthority(row interface{ Scan(...any) error }) (*Authority, error) {
	var (
		a         Authority
		lastOK    sql.NullString
		lastFail  sql.NullString
		updatedAt string
	)
	err := row.Scan(&a.EngineID, &a.DisplayName, &a.ReliabilityScore,
		&a.CitationCompleteness, &a.FreshnessIndex, &a.AuthorityWeight, &a.Status,
		&a.ConsecutiveFailures, &a.TotalQueries, &a.SuccessfulQueries,
		&a.CitedQueries, &a.AvgResponseTimeMs, &lastOK, &lastFail, &updatedAt,
		&a.Version)
	if err != nil {
		return nil, err
	}
	a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if a.LastSuccessfulQuery, err = parseNullTime(lastOK); err != nil {
		return nil, err
	}
	if a.LastFailure, err = parseNullTime(lastFail); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanOutages(rows *sql.Rows) ([]*Outage, error) {
	var out []*Outage
	for rows.Next() {
		var (
			o         Outage
			startedAt string
			endedAt   sql.NullString
			snapID    sql.NullString
			res       sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.EngineID, &startedAt, &endedAt, &snapID, &res); err != nil {
			return nil, err
		}
		var err error
		o.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse outage start: %w", err)
		}
		if o.EndedAt, err = parseNullTime(endedAt); err != nil {
			return nil, err
		}
		o.FallbackSnapshotID = snapID.String
		o.ResolutionType = res.String
		out = append(out, &o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time column: %w", err)
	}
	return &t, nil
}
