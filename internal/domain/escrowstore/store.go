// Package escrowstore defines persistence contracts for escrow state snapshots.
package escrowstore

import (
	"context"
	"time"
)

// Snapshot is the durable projection of one escrow instance's ledger, written
// after every state transition so a restarted host can rebuild its registry.
type Snapshot struct {
	EscrowID     string
	Fingerprint  string
	SrcRemaining uint64
	DstLost      uint64
	SrcLost      uint64
	Closed       bool
	InFlight     uint32
	UpdatedAt    time.Time
}

// Store abstracts snapshot persistence for escrow instances.
type Store interface {
	Upsert(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, escrowID string) (Snapshot, error)
	// ListOpen returns snapshots of instances that have not been cleaned up.
	ListOpen(ctx context.Context, limit int) ([]Snapshot, error)
	// Delete removes a snapshot after irreversible teardown.
	Delete(ctx context.Context, escrowID string) error
}

// ErrNotFound is returned by Get when no snapshot exists for the escrow.
type ErrNotFound struct {
	EscrowID string
}

func (e ErrNotFound) Error() string {
	return "escrow snapshot not found: " + e.EscrowID
}
