package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.krypton.dev/krypton/internal/protocol"
)

// Run blocks, running the heartbeat loop while authenticated and
// transparently reconnecting on disconnect, until ctx is cancelled or
// reconnection is exhausted (maxReconnectAttempts=3, reconnectDelayMs=5000,
// linear backoff). Call after an initial successful Connect +
// AuthenticateWith*.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.wasEverConnected = c.state == StateAuthenticated
	c.mu.Unlock()

	for {
		lost := c.superviseOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lost == nil {
			return nil // superviseOnce returns nil only once ctx is done
		}

		if !c.wasEverConnected {
			return lost
		}

		if !c.reconnectWithBackoff(ctx) {
			c.emit(Event{Type: EventConnectionLost})
			return errors.New("client: reconnect attempts exhausted")
		}
		c.emit(Event{Type: EventConnectionRestored})
		c.flushOfflineQueue(ctx)
	}
}

// superviseOnce runs the heartbeat loop for the current connection until it
// is lost (returns the triggering error) or ctx is cancelled (returns nil).
func (c *Client) superviseOnce(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.mu.Lock()
	closed := c.connClosed
	c.mu.Unlock()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return errors.New("client: connection lost")
		case <-ticker.C:
			if c.State() != StateAuthenticated {
				continue
			}
			latency, err := c.sendHeartbeat(ctx)
			if err != nil {
				failures++
				if failures >= heartbeatFailureLimit {
					c.forceClose()
					return fmt.Errorf("client: %d consecutive heartbeat failures: %w", failures, err)
				}
				continue
			}
			failures = 0
			c.recordLatency(latency)
			c.emit(Event{Type: EventHeartbeatLatency, Latency: latency})
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	typ, _, err := c.roundTrip(ctx, protocol.TypeHeartbeat, protocol.Heartbeat{})
	if err != nil {
		return 0, err
	}
	if typ != protocol.TypeHeartbeatAck {
		return 0, fmt.Errorf("client: expected HeartbeatAck, got %s", typ)
	}
	return time.Since(start), nil
}

func (c *Client) recordLatency(d time.Duration) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	c.latencies = append(c.latencies, d)
	if len(c.latencies) > latencyWindowSize {
		c.latencies = c.latencies[len(c.latencies)-latencyWindowSize:]
	}
}

// RecentLatencies returns up to the last 5 heartbeat round-trip samples,
// oldest first, for UI display.
func (c *Client) RecentLatencies() []time.Duration {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	out := make([]time.Duration, len(c.latencies))
	copy(out, c.latencies)
	return out
}

// reconnectWithBackoff retries connect+reauthenticate up to
// maxReconnectAttempts times with linear backoff (attempt*reconnectDelay),
// returning true on the first success.
func (c *Client) reconnectWithBackoff(ctx context.Context) bool {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * reconnectDelay):
		case <-ctx.Done():
			return false
		}

		if err := c.Connect(ctx); err != nil {
			continue
		}
		if err := c.reauthenticate(ctx); err != nil {
			continue
		}
		return true
	}
	return false
}
