package session

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/clipboard"
	"go.krypton.dev/krypton/internal/connio"
	"go.krypton.dev/krypton/internal/domain"
	"go.krypton.dev/krypton/internal/protocol"
	"go.krypton.dev/krypton/internal/registry"
)

// In-memory repository doubles, the same shape as auth's and clipboard's own
// test fakes, kept local here so this package's tests don't reach into
// another package's unexported types.

type fakeUsers struct {
	mu   sync.Mutex
	byID map[string]*domain.User
}

func newFakeUsers() *fakeUsers { return &fakeUsers{byID: make(map[string]*domain.User)} }

func (f *fakeUsers) Create(_ context.Context, u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.byID {
		if e.Username == u.Username {
			return apperr.ErrAlreadyExists
		}
	}
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}
func (f *fakeUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *u
	return &cp, nil
}
func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}
func (f *fakeUsers) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return apperr.ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}
func (f *fakeUsers) List(_ context.Context) ([]*domain.User, error) { return nil, nil }
func (f *fakeUsers) SetAdmin(_ context.Context, id string, isAdmin bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return apperr.ErrNotFound
	}
	u.IsAdmin = isAdmin
	return nil
}
func (f *fakeUsers) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

type fakeApiKeys struct {
	mu   sync.Mutex
	byID map[string]*domain.ApiKey
}

func newFakeApiKeys() *fakeApiKeys { return &fakeApiKeys{byID: make(map[string]*domain.ApiKey)} }

func (f *fakeApiKeys) Create(_ context.Context, k *domain.ApiKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *k
	f.byID[k.ID] = &cp
	return nil
}
func (f *fakeApiKeys) GetByKey(_ context.Context, key string) (*domain.ApiKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.byID {
		if k.Key == key {
			cp := *k
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}
func (f *fakeApiKeys) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[id]
	if !ok {
		return apperr.ErrNotFound
	}
	k.LastUsedAt = &at
	return nil
}
func (f *fakeApiKeys) ListByUser(_ context.Context, userID string) ([]*domain.ApiKey, error) {
	return nil, nil
}
func (f *fakeApiKeys) Revoke(_ context.Context, id string) error { return nil }

type fakeClipboardRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.ClipboardEntry
}

func newFakeClipboardRepo() *fakeClipboardRepo {
	return &fakeClipboardRepo{entries: make(map[string]*domain.ClipboardEntry)}
}

func (f *fakeClipboardRepo) Insert(_ context.Context, e *domain.ClipboardEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}
func (f *fakeClipboardRepo) History(_ context.Context, userID string, limit, offset int) ([]*domain.ClipboardEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*domain.ClipboardEntry
	for _, e := range f.entries {
		if e.UserID == userID {
			cp := *e
			all = append(all, &cp)
		}
	}
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
func (f *fakeClipboardRepo) Search(_ context.Context, userID, query string, limit int) ([]*domain.ClipboardEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []*domain.ClipboardEntry
	for _, e := range f.entries {
		if e.UserID == userID && strings.Contains(strings.ToLower(e.ContentPreview), strings.ToLower(query)) {
			cp := *e
			matches = append(matches, &cp)
		}
	}
	return matches, len(matches), nil
}
func (f *fakeClipboardRepo) GetByID(_ context.Context, id string) (*domain.ClipboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *e
	return &cp, nil
}
func (f *fakeClipboardRepo) Touch(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return apperr.ErrNotFound
	}
	e.CreatedAt = now
	return nil
}
func (f *fakeClipboardRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	return nil
}
func (f *fakeClipboardRepo) DeleteOlderThan(_ context.Context, cutoff time.Time, onlyType domain.ContentType) ([]*domain.ClipboardEntry, error) {
	return nil, nil
}

func (f *fakeClipboardRepo) CountOlderThan(_ context.Context, cutoff time.Time, onlyType domain.ContentType) (int, error) {
	return 0, nil
}

type testHarness struct {
	client net.Conn
	reg    *registry.Registry
	done   chan error
}

func startSession(t *testing.T, tlsAvailable, tlsRequired bool) *testHarness {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	reg := registry.New()
	authSvc := auth.New(newFakeUsers(), newFakeApiKeys(), nil)
	clipSvc := clipboard.New(newFakeClipboardRepo(), nil, false, nil)

	sess := New("test-session", connio.New(serverConn), Deps{
		Registry:      reg,
		Auth:          authSvc,
		Clipboard:     clipSvc,
		TLSAvailable:  tlsAvailable,
		TLSRequired:   tlsRequired,
		ServerVersion: "1.0.0+test",
	})

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	t.Cleanup(func() { _ = clientConn.Close() })
	return &testHarness{client: clientConn, reg: reg, done: done}
}

func (h *testHarness) send(t *testing.T, typ protocol.Type, msg any) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(h.client, typ, msg))
}

func (h *testHarness) recv(t *testing.T) (protocol.Type, []byte) {
	t.Helper()
	typ, payload, err := protocol.Read(h.client)
	require.NoError(t, err)
	return typ, payload
}

func TestHelloFirstThenConnect(t *testing.T) {
	h := startSession(t, false, false)

	typ, payload := h.recv(t)
	require.Equal(t, protocol.TypeServerHello, typ)
	var hello protocol.ServerHello
	require.NoError(t, protocol.Decode(payload, &hello))
	require.Equal(t, "1.0.0+test", hello.ServerVersion)
	require.False(t, hello.TlsAvailable)

	h.send(t, protocol.TypeConnect, protocol.Connect{
		ClientVersion: "1.0.0", Platform: "Test", DeviceID: "dev-1", DeviceName: "A",
	})

	typ, payload = h.recv(t)
	require.Equal(t, protocol.TypeConnectAck, typ)
	var ack protocol.ConnectAck
	require.NoError(t, protocol.Decode(payload, &ack))
	require.True(t, ack.RequiresAuth)
}

func TestClipboardPushRequiresAuthentication(t *testing.T) {
	h := startSession(t, false, false)
	h.recv(t) // ServerHello
	h.send(t, protocol.TypeConnect, protocol.Connect{DeviceName: "A"})
	h.recv(t) // ConnectAck

	h.send(t, protocol.TypeClipboardPush, protocol.ClipboardPush{
		Entry: protocol.ClipboardEntryWire{ContentType: "TEXT", Content: []byte("hello")},
	})

	typ, payload := h.recv(t)
	require.Equal(t, protocol.TypeErrorResponse, typ)
	var resp protocol.ErrorResponse
	require.NoError(t, protocol.Decode(payload, &resp))
	require.Equal(t, protocol.ErrCodeAuthRequired, resp.Code)
	require.Contains(t, resp.Message, "Authentication required")
}

func TestRegisterPushAndPull(t *testing.T) {
	h := startSession(t, false, false)
	h.recv(t)
	h.send(t, protocol.TypeConnect, protocol.Connect{DeviceName: "A"})
	h.recv(t)

	h.send(t, protocol.TypeAuthRegister, protocol.AuthRegister{Username: "alice", Password: "hunter22!"})
	typ, payload := h.recv(t)
	require.Equal(t, protocol.TypeAuthResponse, typ)
	var authResp protocol.AuthResponse
	require.NoError(t, protocol.Decode(payload, &authResp))
	require.True(t, authResp.Success)
	require.NotEmpty(t, authResp.UserID)

	h.send(t, protocol.TypeClipboardPush, protocol.ClipboardPush{
		Entry: protocol.ClipboardEntryWire{ContentType: "TEXT", Content: []byte("hello"), SourceDevice: "A"},
	})
	typ, payload = h.recv(t)
	require.Equal(t, protocol.TypeClipboardPushAck, typ)
	var pushAck protocol.ClipboardPushAck
	require.NoError(t, protocol.Decode(payload, &pushAck))
	require.True(t, pushAck.Success)
	require.NotEmpty(t, pushAck.EntryID)

	h.send(t, protocol.TypeClipboardPull, protocol.ClipboardPull{Limit: 10, Offset: 0})
	typ, payload = h.recv(t)
	require.Equal(t, protocol.TypeClipboardHistory, typ)
	var history protocol.ClipboardHistory
	require.NoError(t, protocol.Decode(payload, &history))
	require.Equal(t, 1, history.TotalCount)
	require.False(t, history.HasMore)
	require.Equal(t, []byte("hello"), history.Entries[0].Content)
}

func TestSecondConnectIsOutOfOrderAndTerminates(t *testing.T) {
	h := startSession(t, false, false)
	h.recv(t)
	h.send(t, protocol.TypeConnect, protocol.Connect{DeviceName: "A"})
	h.recv(t)

	// A second Connect in CONNECTED state is out-of-order and terminal.
	h.send(t, protocol.TypeConnect, protocol.Connect{DeviceName: "A"})
	typ, payload := h.recv(t)
	require.Equal(t, protocol.TypeErrorResponse, typ)
	var resp protocol.ErrorResponse
	require.NoError(t, protocol.Decode(payload, &resp))
	require.Equal(t, protocol.ErrCodeOutOfOrder, resp.Code)

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after out-of-order packet")
	}
}
