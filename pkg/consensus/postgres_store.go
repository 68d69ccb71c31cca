package consensus

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL. The convergence tally is a
// single upserted row per prompt, so RecordCheck is atomic under concurrent
// resolvers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the consensus tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS disagreements (
			id TEXT PRIMARY KEY,
			prompt_id TEXT NOT NULL,
			engine_a TEXT NOT NULL,
			engine_b TEXT NOT NULL,
			disagreement_type TEXT NOT NULL,
			value_a TEXT NOT NULL,
			value_b TEXT NOT NULL,
			winner TEXT,
			resolution_method TEXT NOT NULL,
			delta_a DOUBLE PRECISION NOT NULL DEFAULT 0,
			delta_b DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_disagreements_prompt ON disagreements (prompt_id)`,
		`CREATE TABLE IF NOT EXISTS consensus_checks (
			prompt_id TEXT PRIMARY KEY,
			agreed_count INTEGER NOT NULL DEFAULT 0,
			total_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS prompt_contributors (
			prompt_id TEXT PRIMARY KEY,
			engine_ids TEXT[] NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("consensus: migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveDisagreement(ctx context.Context, d *Disagreement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disagreements
			(id, prompt_id, engine_a, engine_b, disagreement_type, value_a, value_b,
			 winner, resolution_method, delta_a, delta_b, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.PromptID, d.EngineA, d.EngineB, d.DisagreementType, d.ValueA, d.ValueB,
		d.Winner, d.ResolutionMethod, d.DeltaA, d.DeltaB, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save disagreement: %w", err)
	}
	return nil
}

func (s *PostgresStore) Disagreements(ctx context.Context, promptID string) ([]*Disagreement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt_id, engine_a, engine_b, disagreement_type, value_a, value_b,
		       winner, resolution_method, delta_a, delta_b, created_at
		FROM disagreements WHERE prompt_id = $1 ORDER BY created_at`, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disagreements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Disagreement
	for rows.Next() {
		var d Disagreement
		var winner sql.NullString
		err := rows.Scan(&d.ID, &d.PromptID, &d.EngineA, &d.EngineB, &d.DisagreementType,
			&d.ValueA, &d.ValueB, &winner, &d.ResolutionMethod, &d.DeltaA, &d.DeltaB,
			&d.CreatedAt)
		if err != nil {
			return nil, err
		}
		d.Winner = winner.String
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordCheck(ctx context.Context, promptID string, agreed bool) (int, int, error) {
	agreedInc := 0
	if agreed {
		agreedInc = 1
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO consensus_checks (prompt_id, agreed_count, total_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (prompt_id) DO UPDATE SET
			agreed_count = consensus_checks.agreed_count + $2,
			total_count = consensus_checks.total_count + 1
		RETURNING agreed_count, total_count`,
		promptID, agreedInc)

	var agreedCount, total int
	if err := row.Scan(&agreedCount, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to record consensus check: %w", err)
	}
	return agreedCount, total, nil
}

func (s *PostgresStore) Tally(ctx context.Context, promptID string) (int, int, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT agreed_count, total_count FROM consensus_checks WHERE prompt_id = $1", promptID)

	var agreedCount, total int
	err := row.Scan(&agreedCount, &total)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read consensus tally: %w", err)
	}
	return agreedCount, total, nil
}

func (s *PostgresStore) RecordContribution(ctx context.Context, promptID string, engineIDs []string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_contributors (prompt_id, engine_ids)
		VALUES ($1, $2)
		ON CONFLICT (prompt_id) DO UPDATE SET engine_ids = $2`,
		promptID, pq.Array(engineIDs))
	if err != nil {
		return fmt.Errorf("failed to record contributors: %w", err)
	}
	return nil
}

func (s *PostgresStore) Contributors(ctx context.Context, promptID string) ([]string, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT engine_ids FROM prompt_contributors WHERE prompt_id = $1", promptID)

	var ids pq.StringArray
	err := row.Scan(&ids)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read contributors: %w", err)
	}
	return []string(ids), nil
}
