package client

import (
	"context"
	"errors"
	"fmt"

	"go.krypton.dev/krypton/internal/protocol"
)

// AuthenticateWithPassword logs in with a username/password pair. On success
// the returned API key is stored for use by later automatic reconnects, and
// an EventAuthResult is emitted either way.
func (c *Client) AuthenticateWithPassword(ctx context.Context, username, password string) error {
	resp, err := c.authRoundTrip(ctx, protocol.TypeAuthLogin, protocol.AuthLogin{
		Username: username,
		Password: password,
	})
	if err != nil {
		return err
	}
	if resp.Success {
		c.mu.Lock()
		c.username = username
		c.password = password
		if resp.ApiKey != "" {
			c.apiKey = resp.ApiKey
		}
		c.mu.Unlock()
	}
	return c.finishAuth(resp)
}

// AuthenticateWithApiKey logs in with a previously-minted API key; this is
// the reconnect path once a session has an API key on hand.
func (c *Client) AuthenticateWithApiKey(ctx context.Context, apiKey string) error {
	resp, err := c.authRoundTrip(ctx, protocol.TypeAuthApiKey, protocol.AuthApiKey{ApiKey: apiKey})
	if err != nil {
		return err
	}
	if resp.Success {
		c.mu.Lock()
		c.apiKey = apiKey
		c.mu.Unlock()
	}
	return c.finishAuth(resp)
}

// Register creates a new account and authenticates as it in one step.
func (c *Client) Register(ctx context.Context, username, password string) error {
	resp, err := c.authRoundTrip(ctx, protocol.TypeAuthRegister, protocol.AuthRegister{
		Username: username,
		Password: password,
	})
	if err != nil {
		return err
	}
	if resp.Success {
		c.mu.Lock()
		c.username = username
		c.password = password
		if resp.ApiKey != "" {
			c.apiKey = resp.ApiKey
		}
		c.mu.Unlock()
	}
	return c.finishAuth(resp)
}

func (c *Client) authRoundTrip(ctx context.Context, typ protocol.Type, msg any) (protocol.AuthResponse, error) {
	var resp protocol.AuthResponse
	respTyp, payload, err := c.roundTrip(ctx, typ, msg)
	if err != nil {
		return resp, err
	}
	if respTyp != protocol.TypeAuthResponse {
		return resp, fmt.Errorf("client: expected AuthResponse, got %s", respTyp)
	}
	if err := protocol.Decode(payload, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) finishAuth(resp protocol.AuthResponse) error {
	if resp.Success {
		c.mu.Lock()
		c.userID = resp.UserID
		c.state = StateAuthenticated
		c.mu.Unlock()
	}
	c.emit(Event{
		Type:        EventAuthResult,
		AuthSuccess: resp.Success,
		UserID:      resp.UserID,
		Message:     resp.Message,
	})
	if !resp.Success {
		return errors.New("client: authentication failed: " + resp.Message)
	}
	return nil
}

// reauthenticate re-runs login using whatever credentials were stored from
// the last successful authentication, preferring the API key.
func (c *Client) reauthenticate(ctx context.Context) error {
	c.mu.Lock()
	apiKey := c.apiKey
	username, password := c.username, c.password
	c.mu.Unlock()

	if apiKey != "" {
		return c.AuthenticateWithApiKey(ctx, apiKey)
	}
	if username != "" {
		return c.AuthenticateWithPassword(ctx, username, password)
	}
	return errors.New("client: no stored credentials to reauthenticate with")
}
