package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidemark/escrowd/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed escrow repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// EventLog returns the append-only event log repository.
func (s *Store) EventLog() *EventLogStore {
	return NewEventLogStore(s.Pool())
}

// Escrows returns the escrow snapshot repository.
func (s *Store) Escrows() *EscrowStore {
	return NewEscrowStore(s.Pool())
}
