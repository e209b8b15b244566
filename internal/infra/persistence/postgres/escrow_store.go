package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidemark/escrowd/internal/domain/escrowstore"
)

// EscrowStore persists per-instance ledger snapshots.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore constructs an EscrowStore backed by the provided pool.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

const (
	defaultSnapshotLimit = 256
	maxSnapshotLimit     = 4096
)

const (
	escrowUpsertSQL = `
INSERT INTO escrow_instances (
    escrow_id,
    fingerprint,
    src_remaining,
    dst_lost,
    src_lost,
    closed,
    in_flight,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (escrow_id) DO UPDATE SET
    src_remaining = EXCLUDED.src_remaining,
    dst_lost = EXCLUDED.dst_lost,
    src_lost = EXCLUDED.src_lost,
    closed = EXCLUDED.closed,
    in_flight = EXCLUDED.in_flight,
    updated_at = EXCLUDED.updated_at;
`

	escrowGetSQL = `
SELECT
    escrow_id,
    fingerprint,
    src_remaining,
    dst_lost,
    src_lost,
    closed,
    in_flight,
    updated_at
FROM escrow_instances
WHERE escrow_id = $1;
`

	escrowListOpenSQL = `
SELECT
    escrow_id,
    fingerprint,
    src_remaining,
    dst_lost,
    src_lost,
    closed,
    in_flight,
    updated_at
FROM escrow_instances
WHERE NOT closed
   OR src_remaining <> 0
   OR dst_lost <> 0
   OR src_lost <> 0
   OR in_flight <> 0
ORDER BY updated_at ASC
LIMIT $1;
`

	escrowDeleteSQL = `
DELETE FROM escrow_instances
WHERE escrow_id = $1;
`
)

// Upsert writes the latest ledger snapshot for an escrow.
func (s *EscrowStore) Upsert(ctx context.Context, snap escrowstore.Snapshot) error {
	if s.pool == nil {
		return fmt.Errorf("escrow store: nil pool")
	}
	escrowID := strings.TrimSpace(snap.EscrowID)
	if escrowID == "" {
		return fmt.Errorf("escrow store: escrow id required")
	}
	fingerprint := strings.TrimSpace(snap.Fingerprint)
	if fingerprint == "" {
		return fmt.Errorf("escrow store: fingerprint required")
	}
	srcRemaining, err := numericFromUint64(snap.SrcRemaining)
	if err != nil {
		return fmt.Errorf("escrow store: %w", err)
	}
	dstLost, err := numericFromUint64(snap.DstLost)
	if err != nil {
		return fmt.Errorf("escrow store: %w", err)
	}
	srcLost, err := numericFromUint64(snap.SrcLost)
	if err != nil {
		return fmt.Errorf("escrow store: %w", err)
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, escrowUpsertSQL,
		escrowID, fingerprint, srcRemaining, dstLost, srcLost,
		snap.Closed, int32(snap.InFlight), updatedAt,
	); err != nil {
		return fmt.Errorf("escrow store: upsert: %w", err)
	}
	return nil
}

// Get fetches the snapshot for one escrow.
func (s *EscrowStore) Get(ctx context.Context, escrowID string) (escrowstore.Snapshot, error) {
	if s.pool == nil {
		return escrowstore.Snapshot{}, fmt.Errorf("escrow store: nil pool")
	}
	escrowID = strings.TrimSpace(escrowID)
	if escrowID == "" {
		return escrowstore.Snapshot{}, fmt.Errorf("escrow store: escrow id required")
	}
	row := s.pool.QueryRow(ctx, escrowGetSQL, escrowID)
	snap, err := scanEscrowSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return escrowstore.Snapshot{}, escrowstore.ErrNotFound{EscrowID: escrowID}
	}
	return snap, err
}

// ListOpen returns snapshots of instances that still carry obligations.
func (s *EscrowStore) ListOpen(ctx context.Context, limit int) ([]escrowstore.Snapshot, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("escrow store: nil pool")
	}
	if limit <= 0 {
		limit = defaultSnapshotLimit
	} else if limit > maxSnapshotLimit {
		limit = maxSnapshotLimit
	}
	rows, err := s.pool.Query(ctx, escrowListOpenSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow store: list open: %w", err)
	}
	defer rows.Close()

	var snaps []escrowstore.Snapshot
	for rows.Next() {
		snap, err := scanEscrowSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow store: iterate open: %w", err)
	}
	return snaps, nil
}

// Delete removes the snapshot of a cleaned-up escrow.
func (s *EscrowStore) Delete(ctx context.Context, escrowID string) error {
	if s.pool == nil {
		return fmt.Errorf("escrow store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, escrowDeleteSQL, strings.TrimSpace(escrowID))
	if err != nil {
		return fmt.Errorf("escrow store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow store: delete: no rows deleted")
	}
	return nil
}

func scanEscrowSnapshot(row rowScanner) (escrowstore.Snapshot, error) {
	var (
		snap         escrowstore.Snapshot
		srcRemaining pgtype.Numeric
		dstLost      pgtype.Numeric
		srcLost      pgtype.Numeric
		inFlight     int32
	)
	if err := row.Scan(
		&snap.EscrowID,
		&snap.Fingerprint,
		&srcRemaining,
		&dstLost,
		&srcLost,
		&snap.Closed,
		&inFlight,
		&snap.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrowstore.Snapshot{}, err
		}
		return escrowstore.Snapshot{}, fmt.Errorf("escrow store: scan snapshot: %w", err)
	}
	var err error
	if snap.SrcRemaining, err = uint64FromNumeric(srcRemaining); err != nil {
		return escrowstore.Snapshot{}, fmt.Errorf("escrow store: src_remaining: %w", err)
	}
	if snap.DstLost, err = uint64FromNumeric(dstLost); err != nil {
		return escrowstore.Snapshot{}, fmt.Errorf("escrow store: dst_lost: %w", err)
	}
	if snap.SrcLost, err = uint64FromNumeric(srcLost); err != nil {
		return escrowstore.Snapshot{}, fmt.Errorf("escrow store: src_lost: %w", err)
	}
	snap.InFlight = uint32(inFlight)
	return snap, nil
}

var _ escrowstore.Store = (*EscrowStore)(nil)
