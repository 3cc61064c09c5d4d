// internal/store/preference.go
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-activity-dashboard/internal/model"
)

type preferenceStore struct {
	pool *pgxpool.Pool
}

func newPreferenceStore(pool *pgxpool.Pool) PreferenceStore {
	return &preferenceStore{pool: pool}
}

func (s *preferenceStore) Get(ctx context.Context, userID string) (*model.NotificationPreferences, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, streak_risk, build_failure, weekly_digest, security_alert,
		       email_frequency, quiet_hours_start, quiet_hours_end, updated_at
		FROM notification_preferences WHERE user_id = $1`, userID)

	var p model.NotificationPreferences
	err := row.Scan(&p.UserID, &p.StreakRisk, &p.BuildFailure, &p.WeeklyDigest,
		&p.SecurityAlert, &p.EmailFrequency, &p.QuietHoursStart, &p.QuietHoursEnd,
		&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *preferenceStore) Upsert(ctx context.Context, prefs *model.NotificationPreferences) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notification_preferences
			(user_id, streak_risk, build_failure, weekly_digest, security_alert,
			 email_frequency, quiet_hours_start, quiet_hours_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (user_id) DO UPDATE SET
			streak_risk = EXCLUDED.streak_risk,
			build_failure = EXCLUDED.build_failure,
			weekly_digest = EXCLUDED.weekly_digest,
			security_alert = EXCLUDED.security_alert,
			email_frequency = EXCLUDED.email_frequency,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			updated_at = now()
		RETURNING updated_at`,
		prefs.UserID, prefs.StreakRisk, prefs.BuildFailure, prefs.WeeklyDigest,
		prefs.SecurityAlert, prefs.EmailFrequency, prefs.QuietHoursStart, prefs.QuietHoursEnd)
	return row.Scan(&prefs.UpdatedAt)
}
