package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidemark/escrowd/internal/domain/eventlog"
)

// EventLogStore persists the append-only escrow event log.
type EventLogStore struct {
	pool *pgxpool.Pool
}

// NewEventLogStore constructs an EventLogStore backed by the provided pool.
func NewEventLogStore(pool *pgxpool.Pool) *EventLogStore {
	return &EventLogStore{pool: pool}
}

const (
	defaultEventLimit = 128
	maxEventLimit     = 1024
)

const (
	eventInsertSQL = `
INSERT INTO escrow_events (
    escrow_id,
    kind,
    payload,
    emitted_at
)
VALUES ($1, $2, COALESCE($3::jsonb, '{}'::jsonb), $4)
RETURNING
    id,
    escrow_id,
    kind,
    payload,
    emitted_at,
    created_at;
`

	eventListByEscrowSQL = `
SELECT
    id,
    escrow_id,
    kind,
    payload,
    emitted_at,
    created_at
FROM escrow_events
WHERE escrow_id = $1
ORDER BY id ASC
LIMIT $2;
`

	eventListSinceSQL = `
SELECT
    id,
    escrow_id,
    kind,
    payload,
    emitted_at,
    created_at
FROM escrow_events
WHERE id > $1
ORDER BY id ASC
LIMIT $2;
`
)

// Append inserts a new event log entry.
func (s *EventLogStore) Append(ctx context.Context, entry eventlog.Entry) (eventlog.Record, error) {
	if s.pool == nil {
		return eventlog.Record{}, fmt.Errorf("event log store: nil pool")
	}
	escrowID := strings.TrimSpace(entry.EscrowID)
	if escrowID == "" {
		return eventlog.Record{}, fmt.Errorf("event log store: escrow id required")
	}
	kind := strings.TrimSpace(entry.Kind)
	if kind == "" {
		return eventlog.Record{}, fmt.Errorf("event log store: event kind required")
	}
	payload, err := encodeJSON(entry.Payload)
	if err != nil {
		return eventlog.Record{}, fmt.Errorf("event log store: encode payload: %w", err)
	}
	emittedAt := entry.EmittedAt
	if emittedAt.IsZero() {
		emittedAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, eventInsertSQL, escrowID, kind, payload, emittedAt)
	return scanEventRecord(row)
}

// ListByEscrow returns the event history of one escrow in append order.
func (s *EventLogStore) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]eventlog.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event log store: nil pool")
	}
	escrowID = strings.TrimSpace(escrowID)
	if escrowID == "" {
		return nil, fmt.Errorf("event log store: escrow id required")
	}
	rows, err := s.pool.Query(ctx, eventListByEscrowSQL, escrowID, clampEventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("event log store: list by escrow: %w", err)
	}
	defer rows.Close()
	return collectEventRecords(rows)
}

// ListSince returns events appended after the given log position.
func (s *EventLogStore) ListSince(ctx context.Context, afterID int64, limit int) ([]eventlog.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event log store: nil pool")
	}
	rows, err := s.pool.Query(ctx, eventListSinceSQL, afterID, clampEventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("event log store: list since: %w", err)
	}
	defer rows.Close()
	return collectEventRecords(rows)
}

func clampEventLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

type rowIterator interface {
	rowScanner
	Next() bool
	Err() error
}

func collectEventRecords(rows rowIterator) ([]eventlog.Record, error) {
	var records []eventlog.Record
	for rows.Next() {
		record, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event log store: iterate: %w", err)
	}
	return records, nil
}

func scanEventRecord(row rowScanner) (eventlog.Record, error) {
	var (
		record      eventlog.Record
		payloadJSON []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.EscrowID,
		&record.Kind,
		&payloadJSON,
		&record.EmittedAt,
		&record.CreatedAt,
	); err != nil {
		return eventlog.Record{}, fmt.Errorf("event log store: scan record: %w", err)
	}
	record.Payload = append(json.RawMessage(nil), payloadJSON...)
	return record, nil
}

func encodeJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid json payload")
	}
	return raw, nil
}

var _ eventlog.Store = (*EventLogStore)(nil)
