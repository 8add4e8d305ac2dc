// Package clipboard implements the per-user clipboard store business logic:
// push with hash/preview derivation and optional external blob offload,
// history, search, move-to-top, delete, and retention cleanup over a
// store-backed, user-scoped log.
package clipboard

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

const (
	// DefaultHistoryLimit is used when a caller requests limit<=0.
	DefaultHistoryLimit = 100

	previewImage = "[Image]"
	previewFile  = "[File]"
	ellipsis     = "…"
)

// BlobStore persists out-of-line bytes, e.g. internal/blob.Store.
type BlobStore interface {
	Put(userID string, data []byte) (relPath string, err error)
	Get(relPath string) ([]byte, error)
	Delete(relPath string) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Service implements Krypton's clipboard operations.
type Service struct {
	repo  domain.ClipboardRepository
	blobs BlobStore
	now   Clock

	// externalImages enables writing IMAGE content to blobs instead of
	// inline storage.
	externalImages bool
}

// New constructs a Service. If now is nil, time.Now is used. blobs may be nil
// only if externalImages is false.
func New(repo domain.ClipboardRepository, blobs BlobStore, externalImages bool, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, blobs: blobs, now: now, externalImages: externalImages}
}

// Push appends a new entry for userID. preview is derived when empty.
func (s *Service) Push(ctx context.Context, userID string, contentType domain.ContentType, content []byte, preview, sourceDevice string) (*domain.ClipboardEntry, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: content must not be empty", apperr.ErrInvalidInput)
	}
	if len(content) > domain.MaxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", apperr.ErrInvalidInput, domain.MaxContentBytes)
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if preview == "" {
		preview = derivePreview(contentType, content)
	}

	e := &domain.ClipboardEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		ContentType:  contentType,
		ContentPreview: preview,
		ContentHash:  hash,
		SourceDevice: sourceDevice,
		CreatedAt:    s.now(),
	}

	if contentType == domain.ContentImage && s.externalImages {
		path, err := s.blobs.Put(userID, content)
		if err != nil {
			return nil, fmt.Errorf("clipboard: store blob: %w", err)
		}
		e.ExternalStoragePath = path
	} else {
		e.Content = content
	}

	if err := s.repo.Insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// derivePreview applies the per-content-type default preview rule.
func derivePreview(contentType domain.ContentType, content []byte) string {
	switch contentType {
	case domain.ContentImage:
		return previewImage
	case domain.ContentText:
		return ellipsizeUTF8(content, domain.MaxContentPreviewRunes)
	default:
		return previewFile
	}
}

func ellipsizeUTF8(content []byte, maxRunes int) string {
	s := string(bytes.ToValidUTF8(content, ""))
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes-1]) + ellipsis
}

// HistoryResult is the response shape for History.
type HistoryResult struct {
	Entries    []*domain.ClipboardEntry
	TotalCount int
	HasMore    bool
}

// History returns a page of userID's entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) (*HistoryResult, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	entries, total, err := s.repo.History(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &HistoryResult{
		Entries:    entries,
		TotalCount: total,
		HasMore:    offset+len(entries) < total,
	}, nil
}

// Search performs a case-insensitive substring match over contentPreview.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]*domain.ClipboardEntry, int, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.repo.Search(ctx, userID, query, limit)
}

// MoveToTop re-stamps entryId's createdAt to now, provided it belongs to userID.
func (s *Service) MoveToTop(ctx context.Context, userID, entryID string) error {
	e, err := s.authorize(ctx, userID, entryID)
	if err != nil {
		return err
	}
	_ = e
	return s.repo.Touch(ctx, entryID, s.now())
}

// Delete removes entryId, provided it belongs to userID, and best-effort
// reaps any external blob.
func (s *Service) Delete(ctx context.Context, userID, entryID string) error {
	e, err := s.authorize(ctx, userID, entryID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, entryID); err != nil {
		return err
	}
	if e.ExternalStoragePath != "" && s.blobs != nil {
		if err := s.blobs.Delete(e.ExternalStoragePath); err != nil {
			return fmt.Errorf("clipboard: reap blob: %w", err)
		}
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, userID, entryID string) (*domain.ClipboardEntry, error) {
	e, err := s.repo.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, apperr.ErrForbidden
	}
	return e, nil
}

// CleanupOlderThan bulk-deletes entries older than now-days, optionally
// restricted to onlyType, and reaps their external blobs. Returns the number
// of deleted rows.
func (s *Service) CleanupOlderThan(ctx context.Context, days int, onlyType domain.ContentType) (int, error) {
	cutoff := s.now().AddDate(0, 0, -days)
	evicted, err := s.repo.DeleteOlderThan(ctx, cutoff, onlyType)
	if err != nil {
		return 0, err
	}
	for _, e := range evicted {
		if e.ExternalStoragePath != "" && s.blobs != nil {
			if err := s.blobs.Delete(e.ExternalStoragePath); err != nil {
				return len(evicted), fmt.Errorf("clipboard: reap blob for %s: %w", e.ID, err)
			}
		}
	}
	return len(evicted), nil
}

// CountOlderThan reports how many entries CleanupOlderThan would evict for
// the same (days, onlyType) pair, without deleting anything.
func (s *Service) CountOlderThan(ctx context.Context, days int, onlyType domain.ContentType) (int, error) {
	cutoff := s.now().AddDate(0, 0, -days)
	return s.repo.CountOlderThan(ctx, cutoff, onlyType)
}
