// internal/store/delivery.go
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-activity-dashboard/internal/model"
)

type deliveryStore struct {
	pool *pgxpool.Pool
}

func newDeliveryStore(pool *pgxpool.Pool) DeliveryStore {
	return &deliveryStore{pool: pool}
}

func (s *deliveryStore) WasDelivered(ctx context.Context, userID string, t model.NotificationType, naturalKey, day string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_deliveries
			WHERE user_id = $1 AND notification_type = $2 AND natural_key = $3 AND day = $4
		)`, userID, t, naturalKey, day).Scan(&exists)
	return exists, err
}

// MarkDelivered records a successful send. ON CONFLICT DO NOTHING keeps a
// concurrent duplicate from erroring; the slot stays claimed either way.
func (s *deliveryStore) MarkDelivered(ctx context.Context, marker model.DeliveryMarker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_deliveries
			(user_id, notification_type, natural_key, day, delivered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, notification_type, natural_key, day) DO NOTHING`,
		marker.UserID, marker.NotificationType, marker.NaturalKey, marker.Day, marker.DeliveredAt)
	return err
}

func (s *deliveryStore) AppendFailure(ctx context.Context, entry *model.DeliveryFailureLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_failure_log
			(id, user_id, notification_type, error, occurred_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.UserID, entry.NotificationType, entry.Error, entry.OccurredAt, entry.Resolved)
	return err
}

func (s *deliveryStore) FailureStats(ctx context.Context) ([]model.DeliveryFailureStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT notification_type, resolved, count(*)
		FROM delivery_failure_log
		GROUP BY notification_type, resolved
		ORDER BY notification_type, resolved`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []model.DeliveryFailureStat
	for rows.Next() {
		var st model.DeliveryFailureStat
		if err := rows.Scan(&st.NotificationType, &st.Resolved, &st.Count); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// DeleteFailuresBefore prunes log entries strictly older than cutoff and
// reports how many went. Entries at exactly the cutoff survive.
func (s *deliveryStore) DeleteFailuresBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM delivery_failure_log WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
