// Package registry implements the connection registry: it indexes live
// sessions by id and by authenticated user, and fans broadcasts out to them.
//
// The index key is user id and membership is restricted to authenticated
// sessions. The cyclic reference between sessions (which need the registry
// for fan-out) and the registry (which owns sessions) is broken by storing
// sessions behind the narrow Peer interface rather than a concrete session
// type, so this package never imports internal/session.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"go.krypton.dev/krypton/internal/protocol"
)

// Peer is anything the registry can track and fan packets out to.
type Peer interface {
	// SessionID returns the unique id of this connection.
	SessionID() string
	// UserID returns the authenticated user id, or "" if not yet authenticated.
	UserID() string
	// Send delivers a frame to the peer. Must not block indefinitely.
	Send(typ protocol.Type, msg any) error
	// LastActivity returns the time of the peer's most recent I/O.
	LastActivity() time.Time
	// Terminate closes the peer's connection and unblocks its reader loop.
	Terminate(reason string)
}

// Registry indexes live Peers by session id and, for authenticated sessions,
// by user id. A single RWMutex protects both indexes: access is read-heavy,
// so a reader/writer lock fits better than a plain mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Peer            // sessionID -> Peer
	byUser   map[string]map[string]Peer // userID -> sessionID -> Peer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Peer),
		byUser:   make(map[string]map[string]Peer),
	}
}

// Add registers p under its session id. If p is already authenticated
// (UserID() non-empty) it is also indexed under that user.
func (r *Registry) Add(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[p.SessionID()] = p
	if uid := p.UserID(); uid != "" {
		r.indexByUserLocked(uid, p)
	}
}

// MarkAuthenticated indexes an already-added peer under userID. Call once a
// session transitions CONNECTED -> AUTHENTICATED.
func (r *Registry) MarkAuthenticated(userID string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexByUserLocked(userID, p)
}

func (r *Registry) indexByUserLocked(userID string, p Peer) {
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]Peer)
		r.byUser[userID] = set
	}
	set[p.SessionID()] = p
}

// Remove unregisters a session from both indexes.
func (r *Registry) Remove(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, p.SessionID())
	if uid := p.UserID(); uid != "" {
		if set, ok := r.byUser[uid]; ok {
			delete(set, p.SessionID())
			if len(set) == 0 {
				delete(r.byUser, uid)
			}
		}
	}
}

// Get returns the peer with the given session id, if live.
func (r *Registry) Get(sessionID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sessions[sessionID]
	return p, ok
}

// ListByUser returns a snapshot of all authenticated sessions for userID.
func (r *Registry) ListByUser(userID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]Peer, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	return out
}

// ListStale returns every session whose LastActivity is older than olderThan.
func (r *Registry) ListStale(olderThan time.Duration) []Peer {
	cutoff := time.Now().Add(-olderThan)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Peer
	for _, p := range r.sessions {
		if p.LastActivity().Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast delivers a frame to every authenticated session of onlyUserID
// except excludeSessionID. Delivery is best-effort: a failed send to one
// sibling never aborts delivery to the rest and is only logged, not
// surfaced to the caller.
func (r *Registry) Broadcast(typ protocol.Type, msg any, excludeSessionID, onlyUserID string) {
	r.mu.RLock()
	set := r.byUser[onlyUserID]
	targets := make([]Peer, 0, len(set))
	for id, p := range set {
		if id == excludeSessionID {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	for _, p := range targets {
		if err := p.Send(typ, msg); err != nil {
			slog.Warn("broadcast send failed", "session", p.SessionID(), "err", err)
		}
	}
}

// DisconnectAll terminates every live session. Used during server shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.sessions))
	for _, p := range r.sessions {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	for _, p := range peers {
		p.Terminate("server shutdown")
	}
}
