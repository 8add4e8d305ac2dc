package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

// UserRepo implements domain.UserRepository against Postgres.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository bound to db.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	const q = `
INSERT INTO users (id, username, password_hash, is_admin, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.Username, u.PasswordHash, u.IsAdmin, u.IsActive, u.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyExists
	}
	return err
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	const q = `
SELECT id, username, password_hash, is_admin, is_active, created_at, last_login_at
FROM users WHERE id = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, q, id))
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	const q = `
SELECT id, username, password_hash, is_admin, is_active, created_at, last_login_at
FROM users WHERE username = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, q, username))
}

func (r *UserRepo) scanOne(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsActive, &u.CreatedAt, &u.LastLoginAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE users SET last_login_at = $2 WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *UserRepo) List(ctx context.Context) ([]*domain.User, error) {
	const q = `
SELECT id, username, password_hash, is_admin, is_active, created_at, last_login_at
FROM users ORDER BY username`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsActive, &u.CreatedAt, &u.LastLoginAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (r *UserRepo) SetAdmin(ctx context.Context, id string, isAdmin bool) error {
	const q = `UPDATE users SET is_admin = $2 WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, isAdmin)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *UserRepo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM users WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

var _ domain.UserRepository = (*UserRepo)(nil)
