// Package session implements the per-connection state machine:
// GREETED -> (TLS_HANDSHAKING ->) CONNECTED -> AUTHENTICATED. One reader
// goroutine per Session loops on Conn.Recv and dispatches to a handler keyed
// by packet type and current state; Send is safe to call concurrently (it
// goes through connio's per-connection write lock), which is what lets the
// registry's fan-out write to a session from a different goroutine than its
// own reader.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/clipboard"
	"go.krypton.dev/krypton/internal/connio"
	"go.krypton.dev/krypton/internal/domain"
	"go.krypton.dev/krypton/internal/protocol"
	"go.krypton.dev/krypton/internal/registry"
)

// State is one node of the session state machine.
type State int

const (
	StateGreeted State = iota
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateGreeted:
		return "GREETED"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// Registrar is the subset of *registry.Registry a Session needs. Declared
// here (rather than imported as a concrete type) so this package's only
// dependency on registry is the Peer interface it implements.
type Registrar interface {
	MarkAuthenticated(userID string, p registry.Peer)
	Broadcast(typ protocol.Type, msg any, excludeSessionID, onlyUserID string)
}

// Deps bundles a Session's collaborators.
type Deps struct {
	Registry      Registrar
	Auth          *auth.Service
	Clipboard     *clipboard.Service
	TLSConfig     *tls.Config
	TLSAvailable  bool
	TLSRequired   bool
	ServerVersion string
}

// Session drives one client connection through the state machine. It
// implements registry.Peer.
type Session struct {
	id   string
	conn *connio.Conn
	deps Deps

	mu         sync.Mutex
	state      State
	userID     string
	deviceName string
	isAdmin    bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ registry.Peer = (*Session)(nil)

// New constructs a Session bound to conn. id should be unique per connection
// (e.g. a UUID minted by the accept loop).
func New(id string, conn *connio.Conn, deps Deps) *Session {
	return &Session{id: id, conn: conn, deps: deps, state: StateGreeted}
}

// SessionID implements registry.Peer.
func (s *Session) SessionID() string { return s.id }

// UserID implements registry.Peer. Empty until AUTHENTICATED.
func (s *Session) UserID() string { return s.getUserID() }

// LastActivity implements registry.Peer.
func (s *Session) LastActivity() time.Time { return s.conn.LastActivity() }

// Send implements registry.Peer, used by the registry's fan-out.
func (s *Session) Send(typ protocol.Type, msg any) error { return s.conn.Send(typ, msg) }

// Terminate implements registry.Peer: best-effort notifies the peer, then
// tears down the connection, unblocking the reader goroutine's Recv.
func (s *Session) Terminate(reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Send(protocol.TypeDisconnect, protocol.Disconnect{Reason: reason})
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
	})
}

// Run sends the opening ServerHello and then loops reading and dispatching
// frames until the session terminates, the peer disconnects, or ctx is
// cancelled. It returns nil on an orderly close (io.EOF, a terminal
// dispatched packet, or a *ProtocolError). A send failure on the opening
// hello is returned as an error, and so is any other Recv error, such as the
// one a connection closed by Terminate produces.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()
	defer s.conn.Close()

	if err := s.conn.Send(protocol.TypeServerHello, protocol.ServerHello{
		ServerVersion: s.deps.ServerVersion,
		TlsAvailable:  s.deps.TLSAvailable,
		TlsRequired:   s.deps.TLSRequired,
	}); err != nil {
		return fmt.Errorf("session %s: send ServerHello: %w", s.id, err)
	}

	for {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}

		typ, payload, err := s.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				// Framing itself is unreadable; nothing can be sent back
				// reliably. Close and stop.
				slog.Debug("session protocol error", "session", s.id, "err", err)
				return nil
			}
			return err
		}

		if s.dispatch(runCtx, typ, payload) {
			return nil
		}
	}
}

// dispatch handles one frame and reports whether the session should
// terminate after it.
func (s *Session) dispatch(ctx context.Context, typ protocol.Type, payload []byte) bool {
	switch typ {
	case protocol.TypeDisconnect:
		s.handleDisconnect(payload)
		return true
	case protocol.TypeAuthLogout:
		slog.Debug("session logout", "session", s.id)
		return true
	case protocol.TypeStartTls:
		return s.handleStartTls(ctx, payload)
	case protocol.TypeConnect:
		return s.handleConnect(payload)
	case protocol.TypeAuthLogin, protocol.TypeAuthRegister, protocol.TypeAuthApiKey:
		return s.handleAuth(ctx, typ, payload)
	case protocol.TypeClipboardPush, protocol.TypeClipboardPull, protocol.TypeClipboardSearch,
		protocol.TypeClipboardMoveToTop, protocol.TypeClipboardDelete:
		return s.handleAuthGated(ctx, typ, payload)
	case protocol.TypeHeartbeat:
		return s.handleHeartbeat()
	default:
		s.sendError(protocol.ErrCodeUnknownPacket, fmt.Sprintf("unexpected packet %s in this direction", typ))
		return true
	}
}

func (s *Session) handleDisconnect(payload []byte) {
	var req protocol.Disconnect
	_ = protocol.Decode(payload, &req)
	slog.Debug("session disconnect", "session", s.id, "reason", req.Reason)
}

// handleStartTls implements the GREETED state's TLS upgrade transition.
// tlsAvailable=false does not terminate the session unless tlsRequired is
// also set.
func (s *Session) handleStartTls(ctx context.Context, payload []byte) bool {
	if s.getState() != StateGreeted || s.conn.TLSEnabled() {
		s.sendOutOfOrder(protocol.TypeStartTls)
		return true
	}
	var req protocol.StartTls
	_ = protocol.Decode(payload, &req)

	if !s.deps.TLSAvailable {
		_ = s.conn.Send(protocol.TypeStartTlsAck, protocol.StartTlsAck{Success: false, Message: "TLS not available"})
		return s.deps.TLSRequired
	}

	if err := s.conn.Send(protocol.TypeStartTlsAck, protocol.StartTlsAck{Success: true}); err != nil {
		return true
	}
	if err := s.conn.UpgradeToTLS(ctx, s.deps.TLSConfig); err != nil {
		slog.Warn("TLS handshake failed", "session", s.id, "err", err)
		return true
	}
	return false
}

func (s *Session) handleConnect(payload []byte) bool {
	if s.getState() != StateGreeted {
		s.sendOutOfOrder(protocol.TypeConnect)
		return true
	}
	if s.deps.TLSRequired && !s.conn.TLSEnabled() {
		s.sendError(protocol.ErrCodeForbidden, "TLS required")
		return true
	}
	var req protocol.Connect
	if err := protocol.Decode(payload, &req); err != nil {
		s.sendError(protocol.ErrCodeValidation, "malformed Connect")
		return true
	}

	s.mu.Lock()
	s.deviceName = req.DeviceName
	s.state = StateConnected
	s.mu.Unlock()

	if err := s.conn.Send(protocol.TypeConnectAck, protocol.ConnectAck{
		ServerVersion: s.deps.ServerVersion,
		RequiresAuth:  true,
	}); err != nil {
		return true
	}
	return false
}

func (s *Session) handleAuth(ctx context.Context, typ protocol.Type, payload []byte) bool {
	if s.getState() != StateConnected {
		s.sendOutOfOrder(typ)
		return true
	}

	var result *auth.AuthResult
	var mintedKey string

	switch typ {
	case protocol.TypeAuthLogin:
		var req protocol.AuthLogin
		if err := protocol.Decode(payload, &req); err != nil {
			s.sendAuthFailure("malformed request")
			return false
		}
		res, err := s.deps.Auth.AuthenticateWithPassword(ctx, req.Username, req.Password)
		if err != nil {
			s.sendAuthFailure(err.Error())
			return false
		}
		result = res
		key, err := s.deps.Auth.MintDefaultKey(ctx, res.User.ID)
		if err != nil {
			slog.Error("mint default key failed", "session", s.id, "err", err)
		} else {
			mintedKey = key
		}

	case protocol.TypeAuthRegister:
		var req protocol.AuthRegister
		if err := protocol.Decode(payload, &req); err != nil {
			s.sendAuthFailure("malformed request")
			return false
		}
		u, key, err := s.deps.Auth.Register(ctx, req.Username, req.Password, s.getDeviceName())
		if err != nil {
			s.sendAuthFailure(err.Error())
			return false
		}
		result = &auth.AuthResult{User: u}
		mintedKey = key

	case protocol.TypeAuthApiKey:
		var req protocol.AuthApiKey
		if err := protocol.Decode(payload, &req); err != nil {
			s.sendAuthFailure("malformed request")
			return false
		}
		res, err := s.deps.Auth.AuthenticateWithApiKey(ctx, req.ApiKey)
		if err != nil {
			s.sendAuthFailure("invalid or expired API key")
			return false
		}
		result = res
	}

	s.mu.Lock()
	s.userID = result.User.ID
	s.isAdmin = result.User.IsAdmin
	s.state = StateAuthenticated
	s.mu.Unlock()
	s.deps.Registry.MarkAuthenticated(result.User.ID, s)

	if err := s.conn.Send(protocol.TypeAuthResponse, protocol.AuthResponse{
		Success: true,
		UserID:  result.User.ID,
		ApiKey:  mintedKey,
		IsAdmin: result.User.IsAdmin,
	}); err != nil {
		return true
	}
	return false
}

// handleAuthGated rejects any clipboard packet received before
// AUTHENTICATED with ErrorResponse{"Authentication required"}, with no state
// change and no termination.
func (s *Session) handleAuthGated(ctx context.Context, typ protocol.Type, payload []byte) bool {
	if s.getState() != StateAuthenticated {
		s.sendError(protocol.ErrCodeAuthRequired, "Authentication required")
		return false
	}
	switch typ {
	case protocol.TypeClipboardPush:
		s.handlePush(ctx, payload)
	case protocol.TypeClipboardPull:
		s.handlePull(ctx, payload)
	case protocol.TypeClipboardSearch:
		s.handleSearch(ctx, payload)
	case protocol.TypeClipboardMoveToTop:
		s.handleMoveToTop(ctx, payload)
	case protocol.TypeClipboardDelete:
		s.handleDelete(ctx, payload)
	}
	return false
}

func (s *Session) handlePush(ctx context.Context, payload []byte) {
	var req protocol.ClipboardPush
	if err := protocol.Decode(payload, &req); err != nil {
		s.sendError(protocol.ErrCodeValidation, "malformed ClipboardPush")
		return
	}

	entry, err := s.deps.Clipboard.Push(ctx, s.getUserID(),
		domain.ContentType(req.Entry.ContentType), req.Entry.Content, req.Entry.ContentPreview, req.Entry.SourceDevice)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidInput) {
			_ = s.conn.Send(protocol.TypeClipboardPushAck, protocol.ClipboardPushAck{Success: false, Message: err.Error()})
			return
		}
		slog.Error("clipboard push failed", "session", s.id, "err", err)
		_ = s.conn.Send(protocol.TypeClipboardPushAck, protocol.ClipboardPushAck{Success: false, Message: "internal error"})
		return
	}

	if err := s.conn.Send(protocol.TypeClipboardPushAck, protocol.ClipboardPushAck{Success: true, EntryID: entry.ID}); err != nil {
		return
	}

	s.deps.Registry.Broadcast(protocol.TypeClipboardBroadcast, protocol.ClipboardBroadcast{
		Entry:      toWireEntry(entry),
		FromDevice: s.getDeviceName(),
	}, s.id, s.getUserID())
}

func (s *Session) handlePull(ctx context.Context, payload []byte) {
	var req protocol.ClipboardPull
	if err := protocol.Decode(payload, &req); err != nil {
		s.sendError(protocol.ErrCodeValidation, "malformed ClipboardPull")
		return
	}

	res, err := s.deps.Clipboard.History(ctx, s.getUserID(), req.Limit, req.Offset)
	if err != nil {
		slog.Error("clipboard history failed", "session", s.id, "err", err)
		s.sendError(protocol.ErrCodeInternal, "internal error")
		return
	}

	entries := make([]protocol.ClipboardEntryWire, len(res.Entries))
	for i, e := range res.Entries {
		entries[i] = toWireEntry(e)
	}
	_ = s.conn.Send(protocol.TypeClipboardHistory, protocol.ClipboardHistory{
		Entries:    entries,
		TotalCount: res.TotalCount,
		HasMore:    res.HasMore,
	})
}

func (s *Session) handleSearch(ctx context.Context, payload []byte) {
	var req protocol.ClipboardSearch
	if err := protocol.Decode(payload, &req); err != nil {
		s.sendError(protocol.ErrCodeValidation, "malformed ClipboardSearch")
		return
	}

	matches, total, err := s.deps.Clipboard.Search(ctx, s.getUserID(), req.Query, req.Limit)
	if err != nil {
		slog.Error("clipboard search failed", "session", s.id, "err", err)
		s.sendError(protocol.ErrCodeInternal, "internal error")
		return
	}

	entries := make([]protocol.ClipboardEntryWire, len(matches))
	for i, e := range matches {
		entries[i] = toWireEntry(e)
	}
	_ = s.conn.Send(protocol.TypeClipboardSearchResult, protocol.ClipboardSearchResult{
		Entries:      entries,
		TotalMatches: total,
		HasMore:      len(matches) < total,
	})
}

func (s *Session) handleMoveToTop(ctx context.Context, payload []byte) {
	var req protocol.ClipboardMoveToTop
	if err := protocol.Decode(payload, &req); err != nil {
		s.sendError(protocol.ErrCodeValidation, "malformed ClipboardMoveToTop")
		return
	}

	err := s.deps.Clipboard.MoveToTop(ctx, s.getUserID(), req.EntryID)
	if err != nil {
		// Authorization failures don't leak existence.
		if errors.Is(err, apperr.ErrForbidden) || errors.Is(err, apperr.ErrNotFound) {
			_ = s.conn.Send(protocol.TypeClipboardMoveToTopAck, protocol.ClipboardMoveToTopAck{Success: false, Message: "Entry not found"})
			return
		}
		slog.Error("move to top failed", "session", s.id, "err", err)
		_ = s.conn.Send(protocol.TypeClipboardMoveToTopAck, protocol.ClipboardMoveToTopAck{Success: false, Message: "internal error"})
		return
	}
	_ = s.conn.Send(protocol.TypeClipboardMoveToTopAck, protocol.ClipboardMoveToTopAck{Success: true})
}

func (s *Session) handleDelete(ctx context.Context, payload []byte) {
	var req protocol.ClipboardDelete
	if err := protocol.Decode(payload, &req); err != nil {
		s.sendError(protocol.ErrCodeValidation, "malformed ClipboardDelete")
		return
	}

	err := s.deps.Clipboard.Delete(ctx, s.getUserID(), req.EntryID)
	if err != nil {
		if errors.Is(err, apperr.ErrForbidden) || errors.Is(err, apperr.ErrNotFound) {
			_ = s.conn.Send(protocol.TypeClipboardDeleteAck, protocol.ClipboardDeleteAck{Success: false, Message: "Entry not found"})
			return
		}
		slog.Error("clipboard delete failed", "session", s.id, "err", err)
		_ = s.conn.Send(protocol.TypeClipboardDeleteAck, protocol.ClipboardDeleteAck{Success: false, Message: "internal error"})
		return
	}
	_ = s.conn.Send(protocol.TypeClipboardDeleteAck, protocol.ClipboardDeleteAck{Success: true})
}

func (s *Session) handleHeartbeat() bool {
	if s.getState() != StateAuthenticated {
		s.sendOutOfOrder(protocol.TypeHeartbeat)
		return true
	}
	_ = s.conn.Send(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{})
	return false
}

func (s *Session) sendError(code, message string) {
	if err := s.conn.Send(protocol.TypeErrorResponse, protocol.ErrorResponse{Code: code, Message: message}); err != nil {
		slog.Warn("failed to deliver ErrorResponse", "session", s.id, "err", err)
	}
}

func (s *Session) sendOutOfOrder(typ protocol.Type) {
	s.sendError(protocol.ErrCodeOutOfOrder, fmt.Sprintf("unexpected %s for this session state", typ))
}

func (s *Session) sendAuthFailure(message string) {
	if err := s.conn.Send(protocol.TypeAuthResponse, protocol.AuthResponse{Success: false, Message: message}); err != nil {
		slog.Warn("failed to deliver AuthResponse", "session", s.id, "err", err)
	}
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) getUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) getDeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceName
}

func toWireEntry(e *domain.ClipboardEntry) protocol.ClipboardEntryWire {
	return protocol.ClipboardEntryWire{
		ID:             e.ID,
		ContentType:    string(e.ContentType),
		Content:        e.Content,
		ContentPreview: e.ContentPreview,
		ContentHash:    e.ContentHash,
		SourceDevice:   e.SourceDevice,
		CreatedAt:      uint64(e.CreatedAt.UnixMilli()),
	}
}
