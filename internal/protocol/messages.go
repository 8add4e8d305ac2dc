package protocol

// Timestamps on the wire are Unix milliseconds, unsigned 64-bit. Go's JSON
// encoder emits uint64 as a plain number, which is sufficient precision for
// any JS/Kotlin/Swift client to round-trip.

// ServerHello is the first frame the server ever sends, always plaintext.
type ServerHello struct {
	ServerVersion string `json:"serverVersion"`
	TlsAvailable  bool   `json:"tlsAvailable"`
	TlsRequired   bool   `json:"tlsRequired"`
}

// StartTls requests the in-band TLS upgrade.
type StartTls struct{}

// StartTlsAck answers a StartTls request.
type StartTlsAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Connect announces the client to the server.
type Connect struct {
	ClientVersion string `json:"clientVersion"`
	Platform      string `json:"platform"`
	DeviceID      string `json:"deviceId"`
	DeviceName    string `json:"deviceName"`
}

// ConnectAck answers a Connect request.
type ConnectAck struct {
	ServerVersion string `json:"serverVersion"`
	RequiresAuth  bool   `json:"requiresAuth"`
}

// AuthLogin authenticates with a username/password pair.
type AuthLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthRegister creates a new account.
type AuthRegister struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthApiKey authenticates with a previously-minted API key.
type AuthApiKey struct {
	ApiKey string `json:"apiKey"`
}

// AuthLogout terminates the session.
type AuthLogout struct{}

// AuthResponse answers any Auth* request.
type AuthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UserID  string `json:"userId,omitempty"`
	ApiKey  string `json:"apiKey,omitempty"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
}

// ClipboardEntryWire mirrors domain.ClipboardEntry for the wire.
type ClipboardEntryWire struct {
	ID             string `json:"id,omitempty"`
	ContentType    string `json:"contentType"`
	Content        []byte `json:"content,omitempty"`
	ContentPreview string `json:"contentPreview,omitempty"`
	ContentHash    string `json:"contentHash,omitempty"`
	SourceDevice   string `json:"sourceDevice,omitempty"`
	CreatedAt      uint64 `json:"createdAt,omitempty"`
}

// ClipboardPush submits a new clipboard entry.
type ClipboardPush struct {
	Entry ClipboardEntryWire `json:"entry"`
}

// ClipboardPushAck answers a ClipboardPush.
type ClipboardPushAck struct {
	Success bool   `json:"success"`
	EntryID string `json:"entryId,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClipboardPull requests a page of clipboard history.
type ClipboardPull struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ClipboardHistory answers a ClipboardPull.
type ClipboardHistory struct {
	Entries    []ClipboardEntryWire `json:"entries"`
	TotalCount int                  `json:"totalCount"`
	HasMore    bool                 `json:"hasMore"`
}

// ClipboardSearch requests entries matching a query.
type ClipboardSearch struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// ClipboardSearchResult answers a ClipboardSearch.
type ClipboardSearchResult struct {
	Entries      []ClipboardEntryWire `json:"entries"`
	TotalMatches int                  `json:"totalMatches"`
	HasMore      bool                 `json:"hasMore"`
}

// ClipboardMoveToTop re-timestamps an entry to the top of history.
type ClipboardMoveToTop struct {
	EntryID string `json:"entryId"`
}

// ClipboardMoveToTopAck answers a ClipboardMoveToTop.
type ClipboardMoveToTopAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClipboardDelete removes an entry.
type ClipboardDelete struct {
	EntryID string `json:"entryId"`
}

// ClipboardDeleteAck answers a ClipboardDelete.
type ClipboardDeleteAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClipboardBroadcast is fanned out to sibling sessions on a successful push.
type ClipboardBroadcast struct {
	Entry      ClipboardEntryWire `json:"entry"`
	FromDevice string             `json:"fromDevice"`
}

// Heartbeat keeps a session alive.
type Heartbeat struct{}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct{}

// Disconnect announces a voluntary, graceful close.
type Disconnect struct {
	Reason string `json:"reason"`
}

// ErrorResponse reports a handler or protocol-level failure.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorResponse.Code.
const (
	ErrCodeAuthRequired  = "AUTH_REQUIRED"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeValidation    = "VALIDATION"
	ErrCodeInternal      = "INTERNAL"
	ErrCodeOutOfOrder    = "OUT_OF_ORDER"
	ErrCodeUnknownPacket = "UNKNOWN_PACKET"
)
