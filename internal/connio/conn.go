// Package connio implements Krypton's per-connection byte-stream wrapper:
// serialized writes, a single-reader recv path, and the in-band STARTTLS-style
// upgrade. Framing comes from internal/protocol; the upgrade swaps the
// underlying net.Conn for a *tls.Conn in place.
package connio

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.krypton.dev/krypton/internal/protocol"
)

const writeDeadline = 5 * time.Second

// Conn wraps a net.Conn with Krypton's framing and a single-writer lock.
// Recv must only ever be called from the connection's owning reader
// goroutine; Send may be called concurrently from any goroutine.
type Conn struct {
	mu   sync.Mutex // guards conn and send ordering
	conn net.Conn

	lastActivity atomic.Int64 // UnixNano, advanced on every successful Send/Recv
	tlsEnabled   atomic.Bool
}

// New wraps conn.
func New(conn net.Conn) *Conn {
	c := &Conn{conn: conn}
	c.touch()
	return c
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the most recent successful Send or Recv.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// TLSEnabled reports whether UpgradeToTLS has completed successfully.
func (c *Conn) TLSEnabled() bool { return c.tlsEnabled.Load() }

// RemoteAddr returns the remote network address of the underlying stream.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.RemoteAddr()
}

// Send writes one frame. Safe for concurrent use; serialized internally so
// interleaving from multiple producers (the session reader and the fan-out
// broadcaster) is impossible.
func (c *Conn) Send(typ protocol.Type, msg any) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("connio: encode %s: %w", typ, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err = protocol.Write(c.conn, typ, payload)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return err
	}
	c.touch()
	return nil
}

// Recv blocks for the next frame. Call only from the owning reader goroutine.
func (c *Conn) Recv() (protocol.Type, []byte, error) {
	// conn is only ever swapped under mu by UpgradeToTLS, and UpgradeToTLS is
	// only ever invoked from the same goroutine that calls Recv (enforced by
	// the session state machine), so the snapshot taken under the lock stays
	// current for the whole read; mu is released before the blocking read so
	// that Send is not held up behind it.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	typ, payload, err := protocol.Read(conn)
	if err != nil {
		return 0, nil, err
	}
	c.touch()
	return typ, payload, nil
}

// UpgradeToTLS replaces the underlying stream with a TLS-wrapped one,
// performing the server-side handshake. Must be called only when no other
// I/O is in flight: call it from the same goroutine that just Recv'd the
// StartTls frame, before any further Recv or Send.
func (c *Conn) UpgradeToTLS(ctx context.Context, cfg *tls.Config) error {
	c.mu.Lock()
	plain := c.conn
	c.mu.Unlock()

	tlsConn := tls.Server(plain, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("connio: TLS handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.mu.Unlock()
	c.tlsEnabled.Store(true)
	c.touch()
	return nil
}

// UpgradeClientToTLS is UpgradeToTLS's client-side counterpart: it performs
// the handshake as the TLS client rather than the server. Used by the client
// session core after it sends StartTls and receives a successful
// StartTlsAck.
func (c *Conn) UpgradeClientToTLS(ctx context.Context, cfg *tls.Config) error {
	c.mu.Lock()
	plain := c.conn
	c.mu.Unlock()

	tlsConn := tls.Client(plain, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("connio: TLS handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.mu.Unlock()
	c.tlsEnabled.Store(true)
	c.touch()
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
