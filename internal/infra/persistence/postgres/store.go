// Package postgres implements the wait history store on PostgreSQL.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/eventwait/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	Outcomes *OutcomeStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:    persistence.NewStore(pool),
		Outcomes: NewOutcomeStore(pool),
	}
}
