// Package domain defines the entities persisted by Krypton's repository
// boundary (users, API keys, clipboard entries) and the interfaces that any
// pluggable store (networked SQL or embedded file) must satisfy.
package domain

import "time"

// ContentType identifies the kind of payload a ClipboardEntry carries.
type ContentType string

const (
	ContentText  ContentType = "TEXT"
	ContentImage ContentType = "IMAGE"
	ContentFile  ContentType = "FILE"
)

// User is an account holder. ID is immutable once assigned.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsAdmin      bool
	IsActive     bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// ApiKey is a bearer credential belonging to a User. Key is never re-displayed
// after creation; callers must capture the plaintext value returned when the
// key is created (auth.Service.Register / MintDefaultKey).
type ApiKey struct {
	ID         string
	UserID     string
	Key        string
	Name       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	Revoked    bool
}

// Valid reports whether the key is usable for authentication right now.
func (k ApiKey) Valid(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// ClipboardEntry is one item in a user's clipboard history. Exactly one of
// Content or ExternalStoragePath is populated.
type ClipboardEntry struct {
	ID                  string
	UserID              string
	ContentType         ContentType
	Content             []byte
	ContentPreview      string
	ContentHash         string
	SourceDevice        string
	CreatedAt           time.Time
	ExternalStoragePath string
}

// MaxContentPreviewRunes bounds ContentPreview length before ellipsizing.
const MaxContentPreviewRunes = 200

// MaxContentBytes bounds inline Content size.
const MaxContentBytes = 10 * 1024 * 1024
