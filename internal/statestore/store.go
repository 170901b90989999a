// Package statestore persists the confirmed LSN per replication slot in
// a single source-hosted table, anchoring restart position per
// spec.md §4.6.
package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbmazz/cdc/internal/lsn"
)

const checkpointsTableDDL = `
CREATE TABLE IF NOT EXISTS dbmazz_checkpoints (
	slot_name TEXT PRIMARY KEY,
	confirmed_lsn BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Store wraps a regular (non-replication) connection pool to the source
// database. It is deliberately not GORM-backed: two statements against
// one three-column table have nothing for an ORM to do, and pgxpool is
// already a direct dependency for the replication connection itself
// (see DESIGN.md).
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool and ensures the checkpoints table exists.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("statestore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, checkpointsTableDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statestore: ensuring checkpoints table: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Load returns the persisted LSN for slot, or ok=false if no checkpoint
// row exists yet (a fresh subscription starts at 0/0 per spec.md §4.1).
func (s *Store) Load(ctx context.Context, slotName string) (value lsn.LSN, ok bool, err error) {
	var raw int64
	err = s.pool.QueryRow(ctx,
		`SELECT confirmed_lsn FROM dbmazz_checkpoints WHERE slot_name = $1`, slotName,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("statestore: load checkpoint for %q: %w", slotName, err)
	}
	return lsn.LSN(raw), true, nil
}

// Save upserts the confirmed LSN. It must complete before the value is
// advertised to the source via StandbyStatusUpdate (data-model
// invariant 3). Persistent failure is fatal per spec.md §4.6/§7 — the
// engine must not advance confirmed speculatively, so callers should not
// swallow this error.
func (s *Store) Save(ctx context.Context, slotName string, confirmed lsn.LSN) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dbmazz_checkpoints (slot_name, confirmed_lsn, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (slot_name) DO UPDATE
		SET confirmed_lsn = EXCLUDED.confirmed_lsn, updated_at = EXCLUDED.updated_at
	`, slotName, int64(confirmed))
	if err != nil {
		return fmt.Errorf("statestore: save checkpoint for %q: %w", slotName, err)
	}
	return nil
}
