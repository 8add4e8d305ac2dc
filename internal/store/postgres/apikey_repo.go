package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

// ApiKeyRepo implements domain.ApiKeyRepository against Postgres.
type ApiKeyRepo struct{ db *DB }

// NewApiKeyRepo constructs an API key repository bound to db.
func NewApiKeyRepo(db *DB) *ApiKeyRepo { return &ApiKeyRepo{db: db} }

func (r *ApiKeyRepo) Create(ctx context.Context, k *domain.ApiKey) error {
	const q = `
INSERT INTO api_keys (id, user_id, key, name, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, k.ID, k.UserID, k.Key, k.Name, k.CreatedAt, k.ExpiresAt)
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyExists
	}
	return err
}

func (r *ApiKeyRepo) GetByKey(ctx context.Context, key string) (*domain.ApiKey, error) {
	const q = `
SELECT id, user_id, key, name, created_at, last_used_at, expires_at, revoked
FROM api_keys WHERE key = $1`
	row := r.db.Pool.QueryRow(ctx, q, key)
	var k domain.ApiKey
	if err := row.Scan(&k.ID, &k.UserID, &k.Key, &k.Name, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.Revoked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (r *ApiKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *ApiKeyRepo) ListByUser(ctx context.Context, userID string) ([]*domain.ApiKey, error) {
	const q = `
SELECT id, user_id, key, name, created_at, last_used_at, expires_at, revoked
FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ApiKey
	for rows.Next() {
		var k domain.ApiKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Key, &k.Name, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.Revoked); err != nil {
			return nil, err
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (r *ApiKeyRepo) Revoke(ctx context.Context, id string) error {
	const q = `UPDATE api_keys SET revoked = TRUE WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

var _ domain.ApiKeyRepository = (*ApiKeyRepo)(nil)
