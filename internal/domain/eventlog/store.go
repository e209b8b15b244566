// Package eventlog defines persistence contracts for the escrow event log.
package eventlog

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Entry is a single escrow lifecycle event ready to be appended.
type Entry struct {
	EscrowID  string
	Kind      string
	Payload   json.RawMessage
	EmittedAt time.Time
}

// Record captures the persisted state of an event log entry.
type Record struct {
	ID        int64
	EscrowID  string
	Kind      string
	Payload   json.RawMessage
	EmittedAt time.Time
	CreatedAt time.Time
}

// Store abstracts the append-only escrow event log. Records are immutable:
// there is no update or delete surface.
type Store interface {
	Append(ctx context.Context, entry Entry) (Record, error)
	ListByEscrow(ctx context.Context, escrowID string, limit int) ([]Record, error)
	ListSince(ctx context.Context, afterID int64, limit int) ([]Record, error)
}
