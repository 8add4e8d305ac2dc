// Package auth implements Krypton's authentication service: password
// verification and registration, API-key verification and minting, over a
// repository-backed register/login flow with a sentinel-error interface for
// invalid credentials.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"go.krypton.dev/krypton/internal/apperr"
	"go.krypton.dev/krypton/internal/domain"
)

const (
	// MinUsernameLen and MinPasswordLen are the registration floors.
	MinUsernameLen = 3
	MinPasswordLen = 8

	// BcryptCost is the bcrypt work factor: the bcrypt package's own
	// default cost (10).
	BcryptCost = bcrypt.DefaultCost

	// apiKeyBytes gives 256 bits of entropy.
	apiKeyBytes = 32

	defaultKeyName      = "Default Key"
	registrationKeyName = "Registration"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Service implements Krypton's authentication operations.
type Service struct {
	users   domain.UserRepository
	apiKeys domain.ApiKeyRepository
	now     Clock
}

// New constructs a Service. If now is nil, time.Now is used.
func New(users domain.UserRepository, apiKeys domain.ApiKeyRepository, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{users: users, apiKeys: apiKeys, now: now}
}

// AuthResult is the outcome of a successful authentication.
type AuthResult struct {
	User *domain.User
}

// genericInvalidCredentials is returned for every password-auth failure mode:
// no distinction between missing user and bad password.
var genericInvalidCredentials = errors.New("invalid username or password")

// AuthenticateWithPassword verifies username/password and updates LastLoginAt
// on success. Username lookup is exact and case-sensitive.
func (s *Service) AuthenticateWithPassword(ctx context.Context, username, password string) (*AuthResult, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, genericInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, genericInvalidCredentials
	}
	now := s.now()
	if err := s.users.TouchLastLogin(ctx, u.ID, now); err != nil {
		return nil, fmt.Errorf("auth: touch last login: %w", err)
	}
	u.LastLoginAt = &now
	return &AuthResult{User: u}, nil
}

// AuthenticateWithApiKey verifies key and updates LastUsedAt/LastLoginAt on
// success. Rejects revoked, expired, and inactive-user keys.
func (s *Service) AuthenticateWithApiKey(ctx context.Context, key string) (*AuthResult, error) {
	k, err := s.apiKeys.GetByKey(ctx, key)
	if err != nil {
		return nil, apperr.ErrUnauthorized
	}
	// Constant-time compare against the looked-up value even though the
	// repository already matched on it, so a timing side-channel on the
	// lookup path (e.g. an index scan behaving differently for near-misses)
	// can't leak key material.
	if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) != 1 {
		return nil, apperr.ErrUnauthorized
	}
	now := s.now()
	if !k.Valid(now) {
		return nil, apperr.ErrUnauthorized
	}
	u, err := s.users.GetByID(ctx, k.UserID)
	if err != nil || !u.IsActive {
		return nil, apperr.ErrUnauthorized
	}

	if err := s.apiKeys.TouchLastUsed(ctx, k.ID, now); err != nil {
		return nil, fmt.Errorf("auth: touch last used: %w", err)
	}
	if err := s.users.TouchLastLogin(ctx, u.ID, now); err != nil {
		return nil, fmt.Errorf("auth: touch last login: %w", err)
	}
	u.LastLoginAt = &now
	return &AuthResult{User: u}, nil
}

// Register creates a new non-admin user and mints an initial API key, whose
// plaintext value is returned exactly once.
func (s *Service) Register(ctx context.Context, username, password, deviceName string) (*domain.User, string, error) {
	if len(username) < MinUsernameLen {
		return nil, "", fmt.Errorf("%w: username must be at least %d characters", apperr.ErrInvalidInput, MinUsernameLen)
	}
	if len(password) < MinPasswordLen {
		return nil, "", fmt.Errorf("%w: password must be at least %d characters", apperr.ErrInvalidInput, MinPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hash password: %w", err)
	}

	now := s.now()
	u := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      false,
		IsActive:     true,
		CreatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, "", err
	}

	keyName := deviceName
	if keyName == "" {
		keyName = registrationKeyName
	}
	plain, err := s.mintKey(ctx, u.ID, keyName, now)
	if err != nil {
		return nil, "", err
	}
	return u, plain, nil
}

// MintDefaultKey mints a "Default Key" named API key for a user who just
// logged in with a password, so clients can upgrade to key-based reconnects
// without retaining the password.
func (s *Service) MintDefaultKey(ctx context.Context, userID string) (string, error) {
	return s.mintKey(ctx, userID, defaultKeyName, s.now())
}

func (s *Service) mintKey(ctx context.Context, userID, name string, now time.Time) (string, error) {
	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	plain := hex.EncodeToString(raw)

	k := &domain.ApiKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Key:       plain,
		Name:      name,
		CreatedAt: now,
	}
	if err := s.apiKeys.Create(ctx, k); err != nil {
		return "", fmt.Errorf("auth: store key: %w", err)
	}
	return plain, nil
}
