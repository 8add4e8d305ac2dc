package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

// ApiKeyRepo implements domain.ApiKeyRepository against SQLite.
type ApiKeyRepo struct{ db *DB }

// NewApiKeyRepo constructs an API key repository bound to db.
func NewApiKeyRepo(db *DB) *ApiKeyRepo { return &ApiKeyRepo{db: db} }

func (r *ApiKeyRepo) Create(ctx context.Context, k *domain.ApiKey) error {
	const q = `
INSERT INTO api_keys (id, user_id, key, name, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.Conn.ExecContext(ctx, q, k.ID, k.UserID, k.Key, k.Name, formatTime(k.CreatedAt), formatTimePtr(k.ExpiresAt))
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyExists
	}
	return err
}

func (r *ApiKeyRepo) GetByKey(ctx context.Context, key string) (*domain.ApiKey, error) {
	const q = `
SELECT id, user_id, key, name, created_at, last_used_at, expires_at, revoked
FROM api_keys WHERE key = ?`
	return scanApiKey(r.db.Conn.QueryRowContext(ctx, q, key))
}

func scanApiKey(row *sql.Row) (*domain.ApiKey, error) {
	var k domain.ApiKey
	var createdAt string
	var lastUsedAt, expiresAt sql.NullString
	if err := row.Scan(&k.ID, &k.UserID, &k.Key, &k.Name, &createdAt, &lastUsedAt, &expiresAt, &k.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	k.CreatedAt = parseTime(createdAt)
	if lastUsedAt.Valid {
		t := parseTime(lastUsedAt.String)
		k.LastUsedAt = &t
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		k.ExpiresAt = &t
	}
	return &k, nil
}

func (r *ApiKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE api_keys SET last_used_at = ? WHERE id = ?`
	res, err := r.db.Conn.ExecContext(ctx, q, formatTime(at), id)
	return checkAffected(res, err)
}

func (r *ApiKeyRepo) ListByUser(ctx context.Context, userID string) ([]*domain.ApiKey, error) {
	const q = `
SELECT id, user_id, key, name, created_at, last_used_at, expires_at, revoked
FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`
	rows, err := r.db.Conn.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ApiKey
	for rows.Next() {
		var k domain.ApiKey
		var createdAt string
		var lastUsedAt, expiresAt sql.NullString
		if err := rows.Scan(&k.ID, &k.UserID, &k.Key, &k.Name, &createdAt, &lastUsedAt, &expiresAt, &k.Revoked); err != nil {
			return nil, err
		}
		k.CreatedAt = parseTime(createdAt)
		if lastUsedAt.Valid {
			t := parseTime(lastUsedAt.String)
			k.LastUsedAt = &t
		}
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			k.ExpiresAt = &t
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (r *ApiKeyRepo) Revoke(ctx context.Context, id string) error {
	const q = `UPDATE api_keys SET revoked = 1 WHERE id = ?`
	res, err := r.db.Conn.ExecContext(ctx, q, id)
	return checkAffected(res, err)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

var _ domain.ApiKeyRepository = (*ApiKeyRepo)(nil)
