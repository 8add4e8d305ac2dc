package clipboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

type fakeRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.ClipboardEntry
}

var _ domain.ClipboardRepository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo { return &fakeRepo{entries: make(map[string]*domain.ClipboardEntry)} }

func (f *fakeRepo) Insert(_ context.Context, e *domain.ClipboardEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeRepo) History(_ context.Context, userID string, limit, offset int) ([]*domain.ClipboardEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*domain.ClipboardEntry
	for _, e := range f.entries {
		if e.UserID == userID {
			cp := *e
			all = append(all, &cp)
		}
	}
	sortByCreatedAtDesc(all)
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (f *fakeRepo) Search(_ context.Context, userID, query string, limit int) ([]*domain.ClipboardEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []*domain.ClipboardEntry
	for _, e := range f.entries {
		if e.UserID == userID && strings.Contains(strings.ToLower(e.ContentPreview), strings.ToLower(query)) {
			cp := *e
			matches = append(matches, &cp)
		}
	}
	sortByCreatedAtDesc(matches)
	total := len(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, total, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (*domain.ClipboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRepo) Touch(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return apperr.ErrNotFound
	}
	e.CreatedAt = now
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; !ok {
		return apperr.ErrNotFound
	}
	delete(f.entries, id)
	return nil
}

func (f *fakeRepo) DeleteOlderThan(_ context.Context, cutoff time.Time, onlyType domain.ContentType) ([]*domain.ClipboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var evicted []*domain.ClipboardEntry
	for id, e := range f.entries {
		if e.CreatedAt.Before(cutoff) && (onlyType == "" || e.ContentType == onlyType) {
			cp := *e
			evicted = append(evicted, &cp)
			delete(f.entries, id)
		}
	}
	return evicted, nil
}

func (f *fakeRepo) CountOlderThan(_ context.Context, cutoff time.Time, onlyType domain.ContentType) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.CreatedAt.Before(cutoff) && (onlyType == "" || e.ContentType == onlyType) {
			n++
		}
	}
	return n, nil
}

func sortByCreatedAtDesc(entries []*domain.ClipboardEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].CreatedAt.After(entries[j-1].CreatedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

type fakeBlobs struct {
	mu    sync.Mutex
	files map[string][]byte
	n     int
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{files: make(map[string][]byte)} }

func (f *fakeBlobs) Put(userID string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	path := userID + "/blob" + string(rune('0'+f.n)) + ".png"
	f.files[path] = data
	return path, nil
}

func (f *fakeBlobs) Get(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path], nil
}

func (f *fakeBlobs) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func TestPushDerivesHashAndTextPreview(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, false, nil)

	e, err := svc.Push(context.Background(), "u1", domain.ContentText, []byte("hello"), "", "laptop")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("hello"))
	require.Equal(t, hex.EncodeToString(sum[:]), e.ContentHash)
	require.Equal(t, "hello", e.ContentPreview)
	require.Equal(t, []byte("hello"), e.Content)
	require.Empty(t, e.ExternalStoragePath)
}

func TestPushEllipsizesLongTextPreview(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, false, nil)

	long := strings.Repeat("a", 250)
	e, err := svc.Push(context.Background(), "u1", domain.ContentText, []byte(long), "", "")
	require.NoError(t, err)
	require.Len(t, []rune(e.ContentPreview), domain.MaxContentPreviewRunes)
	require.True(t, strings.HasSuffix(e.ContentPreview, "…"))
}

func TestPushImageDefaultPreviewAndExternalStorage(t *testing.T) {
	repo := newFakeRepo()
	blobs := newFakeBlobs()
	svc := New(repo, blobs, true, nil)

	e, err := svc.Push(context.Background(), "u1", domain.ContentImage, []byte{0x89, 0x50, 0x4e, 0x47}, "", "phone")
	require.NoError(t, err)
	require.Equal(t, "[Image]", e.ContentPreview)
	require.Empty(t, e.Content)
	require.NotEmpty(t, e.ExternalStoragePath)
}

func TestPushFileDefaultPreview(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, false, nil)

	e, err := svc.Push(context.Background(), "u1", domain.ContentFile, []byte("binarydata"), "", "")
	require.NoError(t, err)
	require.Equal(t, "[File]", e.ContentPreview)
}

func TestPushRejectsEmptyContent(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, false, nil)
	_, err := svc.Push(context.Background(), "u1", domain.ContentText, nil, "", "")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestHistoryPaginationAndHasMore(t *testing.T) {
	repo := newFakeRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc := New(repo, nil, false, func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	for i := 0; i < 3; i++ {
		_, err := svc.Push(context.Background(), "u1", domain.ContentText, []byte("item"), "", "")
		require.NoError(t, err)
	}

	res, err := svc.History(context.Background(), "u1", 2, 0)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	require.Equal(t, 3, res.TotalCount)
	require.True(t, res.HasMore)

	res2, err := svc.History(context.Background(), "u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, res2.Entries, 1)
	require.False(t, res2.HasMore)
}

func TestSearchCaseInsensitiveSubstring(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, false, nil)
	_, err := svc.Push(context.Background(), "u1", domain.ContentText, []byte("Hello World"), "", "")
	require.NoError(t, err)

	matches, total, err := svc.Search(context.Background(), "u1", "WORLD", 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, matches, 1)
}

func TestDeleteRejectsOtherUsersEntry(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, false, nil)
	e, err := svc.Push(context.Background(), "u1", domain.ContentText, []byte("secret"), "", "")
	require.NoError(t, err)

	err = svc.Delete(context.Background(), "u2", e.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestDeleteReapsExternalBlob(t *testing.T) {
	repo := newFakeRepo()
	blobs := newFakeBlobs()
	svc := New(repo, blobs, true, nil)
	e, err := svc.Push(context.Background(), "u1", domain.ContentImage, []byte{1, 2, 3}, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, blobs.files)

	err = svc.Delete(context.Background(), "u1", e.ID)
	require.NoError(t, err)
	require.Empty(t, blobs.files)
}

func TestCleanupOlderThanEvictsAndReapsBlobs(t *testing.T) {
	repo := newFakeRepo()
	blobs := newFakeBlobs()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc := New(repo, blobs, true, func() time.Time { return now })

	old, err := svc.Push(context.Background(), "u1", domain.ContentImage, []byte{1}, "", "")
	require.NoError(t, err)
	repo.entries[old.ID].CreatedAt = now.AddDate(0, 0, -40)

	fresh, err := svc.Push(context.Background(), "u1", domain.ContentText, []byte("keep"), "", "")
	require.NoError(t, err)
	repo.entries[fresh.ID].CreatedAt = now.AddDate(0, 0, -1)

	deleted, err := svc.CleanupOlderThan(context.Background(), 30, "")
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	require.Empty(t, blobs.files)

	_, err = repo.GetByID(context.Background(), old.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = repo.GetByID(context.Background(), fresh.ID)
	require.NoError(t, err)
}

func TestMoveToTopUpdatesCreatedAt(t *testing.T) {
	repo := newFakeRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := New(repo, nil, false, func() time.Time { return base })

	e, err := svc.Push(context.Background(), "u1", domain.ContentText, []byte("x"), "", "")
	require.NoError(t, err)

	later := base.Add(time.Hour)
	svc.now = func() time.Time { return later }
	require.NoError(t, svc.MoveToTop(context.Background(), "u1", e.ID))

	got, err := repo.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(later))
}
