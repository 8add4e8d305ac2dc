package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

// UserRepo implements domain.UserRepository against SQLite.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository bound to db.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	const q = `
INSERT INTO users (id, username, password_hash, is_admin, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.Conn.ExecContext(ctx, q, u.ID, u.Username, u.PasswordHash, u.IsAdmin, u.IsActive, formatTime(u.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyExists
	}
	return err
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	const q = `
SELECT id, username, password_hash, is_admin, is_active, created_at, last_login_at
FROM users WHERE id = ?`
	return r.scanOne(r.db.Conn.QueryRowContext(ctx, q, id))
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	const q = `
SELECT id, username, password_hash, is_admin, is_active, created_at, last_login_at
FROM users WHERE username = ?`
	return r.scanOne(r.db.Conn.QueryRowContext(ctx, q, username))
}

func (r *UserRepo) scanOne(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var createdAt string
	var lastLoginAt sql.NullString
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsActive, &createdAt, &lastLoginAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	if lastLoginAt.Valid {
		t := parseTime(lastLoginAt.String)
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (r *UserRepo) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE users SET last_login_at = ? WHERE id = ?`
	res, err := r.db.Conn.ExecContext(ctx, q, formatTime(at), id)
	return checkAffected(res, err)
}

func (r *UserRepo) List(ctx context.Context) ([]*domain.User, error) {
	const q = `
SELECT id, username, password_hash, is_admin, is_active, created_at, last_login_at
FROM users ORDER BY username`
	rows, err := r.db.Conn.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.User
	for rows.Next() {
		var u domain.User
		var createdAt string
		var lastLoginAt sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsActive, &createdAt, &lastLoginAt); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(createdAt)
		if lastLoginAt.Valid {
			t := parseTime(lastLoginAt.String)
			u.LastLoginAt = &t
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (r *UserRepo) SetAdmin(ctx context.Context, id string, isAdmin bool) error {
	const q = `UPDATE users SET is_admin = ? WHERE id = ?`
	res, err := r.db.Conn.ExecContext(ctx, q, isAdmin, id)
	return checkAffected(res, err)
}

func (r *UserRepo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM users WHERE id = ?`
	res, err := r.db.Conn.ExecContext(ctx, q, id)
	return checkAffected(res, err)
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ domain.UserRepository = (*UserRepo)(nil)
