package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"petmarket/internal/journal"
	"petmarket/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id          UUID PRIMARY KEY,
	kind        TEXT NOT NULL,
	asset_id    TEXT NOT NULL DEFAULT '',
	address     TEXT NOT NULL DEFAULT '',
	token_id    NUMERIC(20, 0),
	tx_id       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS operations_started_at_idx ON operations (started_at DESC);
`

// Store persists journal entries in the operations table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the operations table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create operations table: %w", err)
	}
	return nil
}

// Write upserts e; a finished entry overwrites its submitted row.
func (s *Store) Write(ctx context.Context, e journal.Entry) error {
	query := `
		INSERT INTO operations (id, kind, asset_id, address, token_id, tx_id, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			token_id = COALESCE(EXCLUDED.token_id, operations.token_id),
			tx_id = CASE WHEN EXCLUDED.tx_id <> '' THEN EXCLUDED.tx_id ELSE operations.tx_id END,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`
	var tokenID sql.NullString
	if e.TokenID != nil {
		tokenID = sql.NullString{String: e.TokenID.String(), Valid: true}
	}
	var finishedAt sql.NullTime
	if e.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *e.FinishedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		string(e.Kind),
		string(e.AssetID),
		string(e.Address),
		tokenID,
		e.TxID,
		string(e.Status),
		e.Error,
		e.StartedAt,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert operation: %w", err)
	}
	return nil
}

// List returns up to limit entries, most recently started first.
func (s *Store) List(ctx context.Context, limit int) ([]journal.Entry, error) {
	query := `
		SELECT id, kind, asset_id, address, token_id::TEXT, tx_id, status, error, started_at, finished_at
		FROM operations
		ORDER BY started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var (
			e          journal.Entry
			id         uuid.UUID
			kind       string
			asset      string
			address    string
			tokenID    sql.NullString
			status     string
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&id, &kind, &asset, &address, &tokenID, &e.TxID, &status, &e.Error, &e.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		e.ID = id
		e.Kind = journal.Kind(kind)
		e.AssetID = domain.AssetID(asset)
		e.Address = domain.Address(address)
		e.Status = journal.Status(status)
		if tokenID.Valid {
			tid, err := domain.ParseTokenID(tokenID.String)
			if err != nil {
				return nil, fmt.Errorf("scan operation token id: %w", err)
			}
			e.TokenID = &tid
		}
		if finishedAt.Valid {
			t := finishedAt.Time.In(time.UTC)
			e.FinishedAt = &t
		}
		e.StartedAt = e.StartedAt.In(time.UTC)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return entries, nil
}
