// internal/store/streak.go
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-activity-dashboard/internal/model"
)

type streakStore struct {
	pool *pgxpool.Pool
}

func newStreakStore(pool *pgxpool.Pool) StreakStore {
	return &streakStore{pool: pool}
}

func (s *streakStore) Get(ctx context.Context, userID string) (*model.StreakRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, current_streak, longest_streak, last_contribution_date,
		       last_evaluated_at, is_at_risk, version, created_at, updated_at
		FROM streak_records WHERE user_id = $1`, userID)

	var rec model.StreakRecord
	err := row.Scan(&rec.UserID, &rec.CurrentStreak, &rec.LongestStreak,
		&rec.LastContributionDate, &rec.LastEvaluatedAt, &rec.IsAtRisk,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *streakStore) Create(ctx context.Context, rec *model.StreakRecord) error {
	rec.Version = 1
	row := s.pool.QueryRow(ctx, `
		INSERT INTO streak_records
			(user_id, current_streak, longest_streak, last_contribution_date,
			 last_evaluated_at, is_at_risk, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		rec.UserID, rec.CurrentStreak, rec.LongestStreak, rec.LastContributionDate,
		rec.LastEvaluatedAt, rec.IsAtRisk, rec.Version)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// A concurrent first evaluation won the insert race.
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Update applies a compare-and-swap on the version column. A concurrent
// writer that got there first leaves zero rows matching, which surfaces as
// ErrVersionConflict rather than a silent lost update.
func (s *streakStore) Update(ctx context.Context, rec *model.StreakRecord, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE streak_records
		SET current_streak = $2, longest_streak = $3, last_contribution_date = $4,
		    last_evaluated_at = $5, is_at_risk = $6, version = version + 1,
		    updated_at = now()
		WHERE user_id = $1 AND version = $7`,
		rec.UserID, rec.CurrentStreak, rec.LongestStreak, rec.LastContributionDate,
		rec.LastEvaluatedAt, rec.IsAtRisk, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}
