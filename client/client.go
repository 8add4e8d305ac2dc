// Package client implements the reusable client session core: the
// reconnect/heartbeat/offline-queue state machine that every Krypton client
// (desktop, mobile) builds its platform clipboard glue on top of.
//
// Dial once, run a reader loop that feeds the Events channel,
// reconnect with backoff on failure, track connection state for status
// reporting. The protocol is request/response over one TCP stream, so the
// round-trip here is a single in-flight call serialized by callMu, with
// ClipboardBroadcast handled as an async side-channel by the same reader
// goroutine.
package client

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.krypton.dev/krypton/internal/connio"
	"go.krypton.dev/krypton/internal/protocol"
)

// State is the client-side connection lifecycle, mirroring the server's
// session state machine from the client's point of view.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

const (
	heartbeatInterval     = 30 * time.Second
	heartbeatTimeout      = 10 * time.Second
	heartbeatFailureLimit = 3
	latencyWindowSize     = 5

	maxReconnectAttempts = 3
	reconnectDelay       = 5 * time.Second

	callTimeout = 15 * time.Second
)

// Config configures a Client. ServerAddr, ClientVersion, Platform, DeviceID
// and DeviceName are required; TLSConfig is optional (nil disables the
// StartTls attempt entirely, so the session stays plaintext).
type Config struct {
	ServerAddr    string
	ClientVersion string
	Platform      string
	DeviceID      string
	DeviceName    string
	TLSConfig     *tls.Config
}

// PushRequest is one queued offline clipboard push, replayed in FIFO order
// once the connection is restored.
type PushRequest struct {
	ContentType string
	Content     []byte
	Preview     string
}

// EventType identifies the kind of Event delivered on Client.Events().
type EventType string

const (
	EventAuthResult            EventType = "AuthResult"
	EventClipboardReceived     EventType = "ClipboardReceived"
	EventConnectionLost        EventType = "ConnectionLost"
	EventConnectionRestored    EventType = "ConnectionRestored"
	EventHeartbeatLatency      EventType = "HeartbeatLatency"
	EventServerVersionMismatch EventType = "ServerVersionMismatch"
)

// Event is the client core's single outward-facing notification type; the
// UI layer switches on Type and reads the field that applies.
type Event struct {
	Type EventType

	// EventAuthResult
	AuthSuccess bool
	UserID      string
	Message     string

	// EventClipboardReceived
	Entry      protocol.ClipboardEntryWire
	FromDevice string

	// EventHeartbeatLatency
	Latency time.Duration

	// EventServerVersionMismatch
	ServerVersion string
	ClientVersion string
}

// Client is the reusable client-side session core: state, a monotonic
// sequence id, an offline FIFO push queue, and an event stream.
// One Client drives one logical connection to one server at a time; it is
// not safe to share across multiple concurrent Connect/Run cycles.
type Client struct {
	cfg Config

	mu               sync.Mutex
	conn             *connio.Conn
	state            State
	seq              uint32
	username         string
	password         string
	apiKey           string
	userID           string
	wasEverConnected bool
	lastError        error
	lastReceivedHash string

	queueMu      sync.Mutex
	offlineQueue []PushRequest

	latencyMu sync.Mutex
	latencies []time.Duration

	callMu  sync.Mutex // serializes round trips: only one outstanding request at a time
	replyCh chan frame

	connClosed chan struct{} // closed by the reader goroutine when conn is lost

	events chan Event
}

type frame struct {
	typ     protocol.Type
	payload []byte
}

// New constructs a Client. Call Connect, then one of the AuthenticateWith*
// methods, then Run to start the background heartbeat/reconnect supervisor.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		events:  make(chan Event, 32),
		replyCh: make(chan frame, 1),
	}
}

// Events returns the channel Event values are delivered on. Never closed by
// the client; stop reading when done with it.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Slow consumer: drop rather than block the reader goroutine.
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the current connection lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// nextSeq returns the next monotonically increasing sequence id. Currently
// informational - correlated against nothing on the wire, since Krypton's
// packets carry no request id - but retained for callers that want to tag
// their own local event log.
func (c *Client) nextSeq() uint32 {
	c.mu.Lock()
	c.seq++
	v := c.seq
	c.mu.Unlock()
	return v
}

// Connect dials the server, consumes the mandatory first ServerHello frame,
// performs the optional STARTTLS upgrade, and sends Connect/ConnectAck to
// reach CONNECTED. It does not authenticate.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("client: dial %s: %w", c.cfg.ServerAddr, err)
	}

	conn := connio.New(raw)

	typ, payload, err := conn.Recv()
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("client: read ServerHello: %w", err)
	}
	if typ != protocol.TypeServerHello {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("client: expected ServerHello, got %s", typ)
	}
	var hello protocol.ServerHello
	if err := protocol.Decode(payload, &hello); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.checkVersionMismatch(hello.ServerVersion)

	if c.cfg.TLSConfig != nil && hello.TlsAvailable {
		if err := conn.Send(protocol.TypeStartTls, protocol.StartTls{}); err != nil {
			conn.Close()
			c.setState(StateDisconnected)
			return err
		}
		typ, payload, err := conn.Recv()
		if err != nil {
			conn.Close()
			c.setState(StateDisconnected)
			return fmt.Errorf("client: read StartTlsAck: %w", err)
		}
		if typ != protocol.TypeStartTlsAck {
			conn.Close()
			c.setState(StateDisconnected)
			return fmt.Errorf("client: expected StartTlsAck, got %s", typ)
		}
		var ack protocol.StartTlsAck
		if err := protocol.Decode(payload, &ack); err != nil {
			conn.Close()
			c.setState(StateDisconnected)
			return err
		}
		if ack.Success {
			if err := conn.UpgradeClientToTLS(ctx, c.cfg.TLSConfig); err != nil {
				conn.Close()
				c.setState(StateDisconnected)
				return err
			}
		}
	} else if hello.TlsRequired {
		conn.Close()
		c.setState(StateDisconnected)
		return errors.New("client: server requires TLS but none is configured")
	}

	if err := conn.Send(protocol.TypeConnect, protocol.Connect{
		ClientVersion: c.cfg.ClientVersion,
		Platform:      c.cfg.Platform,
		DeviceID:      c.cfg.DeviceID,
		DeviceName:    c.cfg.DeviceName,
	}); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	typ, payload, err = conn.Recv()
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("client: read ConnectAck: %w", err)
	}
	if typ != protocol.TypeConnectAck {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("client: expected ConnectAck, got %s", typ)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.connClosed = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) checkVersionMismatch(serverVersion string) {
	if serverVersion != "" && c.cfg.ClientVersion > serverVersion {
		c.emit(Event{
			Type:          EventServerVersionMismatch,
			ServerVersion: serverVersion,
			ClientVersion: c.cfg.ClientVersion,
		})
	}
}

// readLoop is the single goroutine allowed to call conn.Recv. It routes
// ClipboardBroadcast frames to the event stream immediately (they can arrive
// at any time, interleaved with our own pending request) and forwards every
// other frame to whichever roundTrip call is currently waiting.
func (c *Client) readLoop(conn *connio.Conn) {
	for {
		typ, payload, err := conn.Recv()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		switch typ {
		case protocol.TypeClipboardBroadcast:
			c.handleBroadcast(payload)
		case protocol.TypeDisconnect:
			c.handleDisconnect(conn, io.EOF)
			return
		default:
			select {
			case c.replyCh <- frame{typ: typ, payload: payload}:
			default:
				// No one waiting (shouldn't happen given callMu serialization);
				// drop rather than deadlock the reader.
			}
		}
	}
}

func (c *Client) handleBroadcast(payload []byte) {
	var b protocol.ClipboardBroadcast
	if err := protocol.Decode(payload, &b); err != nil {
		return
	}
	if b.Entry.ContentHash != "" && b.Entry.ContentHash == c.getLastReceivedHash() {
		return
	}
	c.setLastReceivedHash(b.Entry.ContentHash)
	c.emit(Event{
		Type:       EventClipboardReceived,
		Entry:      b.Entry,
		FromDevice: b.FromDevice,
	})
}

func (c *Client) handleDisconnect(conn *connio.Conn, _ error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return // already superseded by a later reconnect
	}
	c.conn = nil
	c.state = StateDisconnected
	closed := c.connClosed
	c.mu.Unlock()
	conn.Close()
	if closed != nil {
		close(closed)
	}
}

// forceClose tears down the current connection, e.g. after exhausting
// heartbeat retries, so the next Connect dials fresh rather than reusing a
// stream the server may have already abandoned.
func (c *Client) forceClose() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) getLastReceivedHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceivedHash
}

func (c *Client) setLastReceivedHash(h string) {
	c.mu.Lock()
	c.lastReceivedHash = h
	c.mu.Unlock()
}

// roundTrip sends one request frame and waits for the next frame the reader
// loop forwards, timing out after callTimeout. Only one roundTrip may be in
// flight at a time (callMu) since the wire protocol carries no correlation
// id to disambiguate interleaved requests on a single stream.
func (c *Client) roundTrip(ctx context.Context, typ protocol.Type, msg any) (protocol.Type, []byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, nil, errors.New("client: not connected")
	}

	if err := conn.Send(typ, msg); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case f := <-c.replyCh:
		return f.typ, f.payload, nil
	case <-ctx.Done():
		return 0, nil, fmt.Errorf("client: waiting for response to %s: %w", typ, ctx.Err())
	}
}

// contentHash mirrors the server's echo-suppression digest: canonicalize a
// locally-generated item to its SHA-256 hex hash so it is never re-pushed if
// it equals the most recently received broadcast.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
