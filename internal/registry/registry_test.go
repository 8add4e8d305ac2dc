package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.krypton.dev/krypton/internal/protocol"
)

type fakePeer struct {
	id         string
	userID     string
	lastActive time.Time
	sent       []protocol.Type
	sendErr    error
	terminated bool
}

func (f *fakePeer) SessionID() string          { return f.id }
func (f *fakePeer) UserID() string             { return f.userID }
func (f *fakePeer) LastActivity() time.Time    { return f.lastActive }
func (f *fakePeer) Terminate(_ string)         { f.terminated = true }
func (f *fakePeer) Send(typ protocol.Type, _ any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, typ)
	return nil
}

func TestBroadcastExcludesOriginAndOtherUsers(t *testing.T) {
	r := New()
	a := &fakePeer{id: "A", userID: "u1", lastActive: time.Now()}
	b := &fakePeer{id: "B", userID: "u1", lastActive: time.Now()}
	c := &fakePeer{id: "C", userID: "u2", lastActive: time.Now()}
	r.Add(a)
	r.Add(b)
	r.Add(c)

	r.Broadcast(protocol.TypeClipboardBroadcast, "payload", "A", "u1")

	require.Empty(t, a.sent, "origin must not receive its own broadcast")
	require.Equal(t, []protocol.Type{protocol.TypeClipboardBroadcast}, b.sent)
	require.Empty(t, c.sent, "other user must not receive the broadcast")
}

func TestBroadcastSurvivesPerSessionSendFailure(t *testing.T) {
	r := New()
	a := &fakePeer{id: "A", userID: "u1", lastActive: time.Now(), sendErr: assertErr}
	b := &fakePeer{id: "B", userID: "u1", lastActive: time.Now()}
	r.Add(a)
	r.Add(b)

	r.Broadcast(protocol.TypeClipboardBroadcast, "payload", "", "u1")

	require.Equal(t, []protocol.Type{protocol.TypeClipboardBroadcast}, b.sent)
}

func TestListStale(t *testing.T) {
	r := New()
	fresh := &fakePeer{id: "fresh", lastActive: time.Now()}
	stale := &fakePeer{id: "stale", lastActive: time.Now().Add(-time.Hour)}
	r.Add(fresh)
	r.Add(stale)

	got := r.ListStale(time.Minute)
	require.Len(t, got, 1)
	require.Equal(t, "stale", got[0].SessionID())
}

func TestRemoveClearsBothIndexes(t *testing.T) {
	r := New()
	p := &fakePeer{id: "A", userID: "u1", lastActive: time.Now()}
	r.Add(p)
	require.Equal(t, 1, r.Count())

	r.Remove(p)
	require.Equal(t, 0, r.Count())
	require.Empty(t, r.ListByUser("u1"))
}

func TestDisconnectAllTerminatesEverySession(t *testing.T) {
	r := New()
	a := &fakePeer{id: "A", lastActive: time.Now()}
	b := &fakePeer{id: "B", lastActive: time.Now()}
	r.Add(a)
	r.Add(b)

	r.DisconnectAll()

	require.True(t, a.terminated)
	require.True(t, b.terminated)
}

var assertErr = &fakeSendError{}

type fakeSendError struct{}

func (*fakeSendError) Error() string { return "send failed" }
