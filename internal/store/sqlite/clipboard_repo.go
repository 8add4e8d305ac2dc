package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

// ClipboardRepo implements domain.ClipboardRepository against SQLite.
type ClipboardRepo struct{ db *DB }

// NewClipboardRepo constructs a clipboard repository bound to db.
func NewClipboardRepo(db *DB) *ClipboardRepo { return &ClipboardRepo{db: db} }

func (r *ClipboardRepo) Insert(ctx context.Context, e *domain.ClipboardEntry) error {
	const q = `
INSERT INTO clipboard_entries
    (id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Conn.ExecContext(ctx, q, e.ID, e.UserID, string(e.ContentType), nullBytes(e.Content),
		e.ContentPreview, e.ContentHash, e.SourceDevice, formatTime(e.CreatedAt), nullString(e.ExternalStoragePath))
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
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ? OFFSET ?`
	rows, err := r.db.Conn.QueryContext(ctx, q, userID, limit, offset)
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
	pattern := "%" + strings.ReplaceAll(strings.ToLower(query), "%", `\%`) + "%"

	const q = `
SELECT id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path
FROM clipboard_entries
WHERE user_id = ? AND lower(content_preview) LIKE ?
ORDER BY created_at DESC
LIMIT ?`
	rows, err := r.db.Conn.QueryContext(ctx, q, userID, pattern, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}

	const countQ = `SELECT count(*) FROM clipboard_entries WHERE user_id = ? AND lower(content_preview) LIKE ?`
	var total int
	if err := r.db.Conn.QueryRowContext(ctx, countQ, userID, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *ClipboardRepo) count(ctx context.Context, userID string) (int, error) {
	const q = `SELECT count(*) FROM clipboard_entries WHERE user_id = ?`
	var total int
	err := r.db.Conn.QueryRowContext(ctx, q, userID).Scan(&total)
	return total, err
}

func (r *ClipboardRepo) GetByID(ctx context.Context, id string) (*domain.ClipboardEntry, error) {
	const q = `
SELECT id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path
FROM clipboard_entries WHERE id = ?`
	e, err := scanEntry(r.db.Conn.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *ClipboardRepo) Touch(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE clipboard_entries SET created_at = ? WHERE id = ?`
	res, err := r.db.Conn.ExecContext(ctx, q, formatTime(now), id)
	return checkAffected(res, err)
}

func (r *ClipboardRepo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM clipboard_entries WHERE id = ?`
	res, err := r.db.Conn.ExecContext(ctx, q, id)
	return checkAffected(res, err)
}

func (r *ClipboardRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, onlyType domain.ContentType) ([]*domain.ClipboardEntry, error) {
	q := `
SELECT id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_storage_path
FROM clipboard_entries WHERE created_at < ?`
	args := []any{formatTime(cutoff)}
	if onlyType != "" {
		q += ` AND content_type = ?`
		args = append(args, string(onlyType))
	}

	rows, err := r.db.Conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	evicted, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(evicted) == 0 {
		return nil, nil
	}

	delQ := `DELETE FROM clipboard_entries WHERE created_at < ?`
	delArgs := []any{formatTime(cutoff)}
	if onlyType != "" {
		delQ += ` AND content_type = ?`
		delArgs = append(delArgs, string(onlyType))
	}
	if _, err := r.db.Conn.ExecContext(ctx, delQ, delArgs...); err != nil {
		return nil, err
	}
	return evicted, nil
}

func (r *ClipboardRepo) CountOlderThan(ctx context.Context, cutoff time.Time, onlyType domain.ContentType) (int, error) {
	q := `SELECT count(*) FROM clipboard_entries WHERE created_at < ?`
	args := []any{formatTime(cutoff)}
	if onlyType != "" {
		q += ` AND content_type = ?`
		args = append(args, string(onlyType))
	}
	var total int
	err := r.db.Conn.QueryRowContext(ctx, q, args...).Scan(&total)
	return total, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntries(rows *sql.Rows) ([]*domain.ClipboardEntry, error) {
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

func scanEntry(row rowScanner) (*domain.ClipboardEntry, error) {
	var e domain.ClipboardEntry
	var contentType, createdAt string
	var externalPath, sourceDevice sql.NullString
	if err := row.Scan(&e.ID, &e.UserID, &contentType, &e.Content, &e.ContentPreview, &e.ContentHash,
		&sourceDevice, &createdAt, &externalPath); err != nil {
		return nil, err
	}
	e.ContentType = domain.ContentType(contentType)
	e.CreatedAt = parseTime(createdAt)
	if sourceDevice.Valid {
		e.SourceDevice = sourceDevice.String
	}
	if externalPath.Valid {
		e.ExternalStoragePath = externalPath.String
	}
	return &e, nil
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ domain.ClipboardRepository = (*ClipboardRepo)(nil)
