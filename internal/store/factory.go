// internal/store/factory.go
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Stores bundles the per-entity accessors over one shared pool.
type Stores struct {
	pool *pgxpool.Pool
}

func NewStores(pool *pgxpool.Pool) *Stores {
	return &Stores{pool: pool}
}

func (s *Stores) Users() UserStore {
	return newUserStore(s.pool)
}

func (s *Stores) Streaks() StreakStore {
	return newStreakStore(s.pool)
}

func (s *Stores) Preferences() PreferenceStore {
	return newPreferenceStore(s.pool)
}

func (s *Stores) Deliveries() DeliveryStore {
	return newDeliveryStore(s.pool)
}
