package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

// ClipboardRepo implements domain.ClipboardRepository against Postgres.
type ClipboardRepo struct{ db *DB }

// NewClipboardRepo constructs a clipboard repository bound to db.
func NewClipboardRepo(db *DB) *ClipboardRepo { return &ClipboardRepo{db: db} }

func (r *ClipboardRepo) Insert(ctx context.Context, e *domain.ClipboardEntry) error {
	const q = `
INSERT INTO clipboard_entries
    (id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Pool.Exec(ctx, q, e.ID, e.UserID, string(e.ContentType), nullBytes(e.Content),
		e.ContentPreview, e.ContentHash, e.SourceDevice, e.CreatedAt, nullString(e.ExternalStoragePath))
	return err
}

func (r *ClipboardRepo) History(ctx context.Context, userID string, limit, offset int) ([]*domain.ClipboardEntry, int, error) {
	total, err := r.count(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	const q = `
SELECT id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path
FROM clipboard_entries
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *ClipboardRepo) Search(ctx context.Context, userID, query string, limit int) ([]*domain.ClipboardEntry, int, error) {
	const q = `
SELECT id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path
FROM clipboard_entries
WHERE user_id = $1 AND content_preview ILIKE $2
ORDER BY created_at DESC
LIMIT $3`
	pattern := "%" + strings.ReplaceAll(query, "%", `\%`) + "%"
	rows, err := r.db.Pool.Query(ctx, q, userID, pattern, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}

	const countQ = `SELECT count(*) FROM clipboard_entries WHERE user_id = $1 AND content_preview ILIKE $2`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQ, userID, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *ClipboardRepo) count(ctx context.Context, userID string) (int, error) {
	const q = `SELECT count(*) FROM clipboard_entries WHERE user_id = $1`
	var total int
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&total)
	return total, err
}

func (r *ClipboardRepo) GetByID(ctx context.Context, id string) (*domain.ClipboardEntry, error) {
	const q = `
SELECT id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path
FROM clipboard_entries WHERE id = $1`
	row := r.db.Pool.QueryRow(ctx, q, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *ClipboardRepo) Touch(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE clipboard_entries SET created_at = $2 WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *ClipboardRepo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM clipboard_entries WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *ClipboardRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, onlyType domain.ContentType) ([]*domain.ClipboardEntry, error) {
	q := `
DELETE FROM clipboard_entries
WHERE created_at < $1`
	args := []any{cutoff}
	if onlyType != "" {
		q += ` AND content_type = $2`
		args = append(args, string(onlyType))
	}
	q += ` RETURNING id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path`

	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *ClipboardRepo) CountOlderThan(ctx context.Context, cutoff time.Time, onlyType domain.ContentType) (int, error) {
	q := `SELECT count(*) FROM clipboard_entries WHERE created_at < $1`
	args := []any{cutoff}
	if onlyType != "" {
		q += ` AND content_type = $2`
		args = append(args, string(onlyType))
	}
	var total int
	err := r.db.Pool.QueryRow(ctx, q, args...).Scan(&total)
	return total, err
}

func scanEntries(rows pgx.Rows) ([]*domain.ClipboardEntry, error) {
	var out []*domain.ClipboardEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// rowScanner abstracts pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.ClipboardEntry, error) {
	var e domain.ClipboardEntry
	var contentType, externalPath *string
	if err := row.Scan(&e.ID, &e.UserID, &contentType, &e.Content, &e.ContentPreview, &e.ContentHash,
		&e.SourceDevice, &e.CreatedAt, &externalPath); err != nil {
		return nil, err
	}
	if contentType != nil {
		e.ContentType = domain.ContentType(*contentType)
	}
	if externalPath != nil {
		e.ExternalStoragePath = *externalPath
	}
	return &e, nil
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ domain.ClipboardRepository = (*ClipboardRepo)(nil)
