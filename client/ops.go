package client

import (
	"context"
	"fmt"

	"go.krypton.dev/krypton/internal/protocol"
)

// Push submits a clipboard entry. If the client is not currently
// authenticated, the request is queued and flushed in FIFO order once Run
// restores the connection, rather than failing outright. A push that is sent
// and fails is queued the same way, and its error is returned.
// Echo suppression: content matching the most recently received broadcast's
// hash is silently skipped to avoid ping-pong.
func (c *Client) Push(ctx context.Context, contentType string, content []byte, preview, sourceDevice string) error {
	hash := contentHash(content)
	if hash == c.getLastReceivedHash() {
		return nil
	}

	if c.State() != StateAuthenticated {
		c.enqueueOffline(PushRequest{ContentType: contentType, Content: content, Preview: preview})
		return nil
	}

	if err := c.sendPush(ctx, contentType, content, preview, sourceDevice); err != nil {
		c.enqueueOffline(PushRequest{ContentType: contentType, Content: content, Preview: preview})
		return err
	}
	return nil
}

func (c *Client) sendPush(ctx context.Context, contentType string, content []byte, preview, sourceDevice string) error {
	typ, payload, err := c.roundTrip(ctx, protocol.TypeClipboardPush, protocol.ClipboardPush{
		Entry: protocol.ClipboardEntryWire{
			ContentType:    contentType,
			Content:        content,
			ContentPreview: preview,
			SourceDevice:   sourceDevice,
		},
	})
	if err != nil {
		return err
	}
	if typ != protocol.TypeClipboardPushAck {
		return fmt.Errorf("client: expected ClipboardPushAck, got %s", typ)
	}
	var ack protocol.ClipboardPushAck
	if err := protocol.Decode(payload, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("client: push rejected: %s", ack.Message)
	}
	return nil
}

func (c *Client) enqueueOffline(req PushRequest) {
	c.queueMu.Lock()
	c.offlineQueue = append(c.offlineQueue, req)
	c.queueMu.Unlock()
}

// flushOfflineQueue replays queued pushes in FIFO order after a successful
// (re)connect. A push that fails partway is re-queued at the front along
// with everything after it, so a transient failure doesn't silently drop
// later entries.
func (c *Client) flushOfflineQueue(ctx context.Context) {
	c.queueMu.Lock()
	pending := c.offlineQueue
	c.offlineQueue = nil
	c.queueMu.Unlock()

	for i, req := range pending {
		if err := c.sendPush(ctx, req.ContentType, req.Content, req.Preview, ""); err != nil {
			c.queueMu.Lock()
			c.offlineQueue = append(append([]PushRequest{}, pending[i:]...), c.offlineQueue...)
			c.queueMu.Unlock()
			return
		}
	}
}

// Pull requests a page of clipboard history.
func (c *Client) Pull(ctx context.Context, limit, offset int) (*protocol.ClipboardHistory, error) {
	typ, payload, err := c.roundTrip(ctx, protocol.TypeClipboardPull, protocol.ClipboardPull{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	if typ != protocol.TypeClipboardHistory {
		return nil, fmt.Errorf("client: expected ClipboardHistory, got %s", typ)
	}
	var hist protocol.ClipboardHistory
	if err := protocol.Decode(payload, &hist); err != nil {
		return nil, err
	}
	return &hist, nil
}

// Search requests entries matching query.
func (c *Client) Search(ctx context.Context, query string, limit int) (*protocol.ClipboardSearchResult, error) {
	typ, payload, err := c.roundTrip(ctx, protocol.TypeClipboardSearch, protocol.ClipboardSearch{Query: query, Limit: limit})
	if err != nil {
		return nil, err
	}
	if typ != protocol.TypeClipboardSearchResult {
		return nil, fmt.Errorf("client: expected ClipboardSearchResult, got %s", typ)
	}
	var res protocol.ClipboardSearchResult
	if err := protocol.Decode(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MoveToTop re-timestamps an entry to the top of history.
func (c *Client) MoveToTop(ctx context.Context, entryID string) error {
	typ, payload, err := c.roundTrip(ctx, protocol.TypeClipboardMoveToTop, protocol.ClipboardMoveToTop{EntryID: entryID})
	if err != nil {
		return err
	}
	if typ != protocol.TypeClipboardMoveToTopAck {
		return fmt.Errorf("client: expected ClipboardMoveToTopAck, got %s", typ)
	}
	var ack protocol.ClipboardMoveToTopAck
	if err := protocol.Decode(payload, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("client: move to top rejected: %s", ack.Message)
	}
	return nil
}

// Delete removes an entry.
func (c *Client) Delete(ctx context.Context, entryID string) error {
	typ, payload, err := c.roundTrip(ctx, protocol.TypeClipboardDelete, protocol.ClipboardDelete{EntryID: entryID})
	if err != nil {
		return err
	}
	if typ != protocol.TypeClipboardDeleteAck {
		return fmt.Errorf("client: expected ClipboardDeleteAck, got %s", typ)
	}
	var ack protocol.ClipboardDeleteAck
	if err := protocol.Decode(payload, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("client: delete rejected: %s", ack.Message)
	}
	return nil
}

// Disconnect sends a graceful Disconnect frame and closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.Send(protocol.TypeDisconnect, protocol.Disconnect{Reason: "client disconnect"})
	return conn.Close()
}
