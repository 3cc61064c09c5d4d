// internal/store/user.go
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-activity-dashboard/internal/model"
)

type userStore struct {
	pool *pgxpool.Pool
}

func newUserStore(pool *pgxpool.Pool) UserStore {
	return &userStore{pool: pool}
}

func (s *userStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, login, email, timezone, created_at, updated_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *userStore) GetByLogin(ctx context.Context, login string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, login, email, timezone, created_at, updated_at
		FROM users WHERE login = $1`, login)
	return scanUser(row)
}

func (s *userStore) Create(ctx context.Context, user *model.User) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, login, email, timezone)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		user.ID, user.Login, user.Email, user.Timezone)
	if err := row.Scan(&user.CreatedAt, &user.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *userStore) List(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, login, email, timezone, created_at, updated_at
		FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Login, &u.Email, &u.Timezone, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.Email, &u.Timezone, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
