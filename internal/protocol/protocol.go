// Package protocol implements Krypton's length-framed, typed wire protocol.
//
// Every frame on the wire is:
//
//	u32 big-endian total_len   // covers type + payload, not itself
//	u16 big-endian packet_type // stable enum, see the Type* constants
//	u8[total_len-2] payload    // JSON-encoded, per-type schema (messages.go)
//
// Reads block; Read never polls. A short read or a cleanly closed stream is
// reported as io.EOF (not an error); a malformed header, unknown packet type,
// or oversize frame is reported as a fatal *ProtocolError.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Type identifies the kind of packet. Stable 16-bit wire values: client and
// server implementations must agree on these numbers, not just the names.
type Type uint16

const (
	TypeServerHello Type = iota + 1
	TypeStartTls
	TypeStartTlsAck
	TypeConnect
	TypeConnectAck
	TypeAuthLogin
	TypeAuthRegister
	TypeAuthApiKey
	TypeAuthLogout
	TypeAuthResponse
	TypeClipboardPush
	TypeClipboardPushAck
	TypeClipboardPull
	TypeClipboardHistory
	TypeClipboardSearch
	TypeClipboardSearchResult
	TypeClipboardMoveToTop
	TypeClipboardMoveToTopAck
	TypeClipboardDelete
	TypeClipboardDeleteAck
	TypeClipboardBroadcast
	TypeHeartbeat
	TypeHeartbeatAck
	TypeDisconnect
	TypeErrorResponse
)

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint16(t))
}

var typeNames = map[Type]string{
	TypeServerHello:           "ServerHello",
	TypeStartTls:              "StartTls",
	TypeStartTlsAck:           "StartTlsAck",
	TypeConnect:               "Connect",
	TypeConnectAck:            "ConnectAck",
	TypeAuthLogin:             "AuthLogin",
	TypeAuthRegister:          "AuthRegister",
	TypeAuthApiKey:            "AuthApiKey",
	TypeAuthLogout:            "AuthLogout",
	TypeAuthResponse:          "AuthResponse",
	TypeClipboardPush:         "ClipboardPush",
	TypeClipboardPushAck:      "ClipboardPushAck",
	TypeClipboardPull:         "ClipboardPull",
	TypeClipboardHistory:      "ClipboardHistory",
	TypeClipboardSearch:       "ClipboardSearch",
	TypeClipboardSearchResult: "ClipboardSearchResult",
	TypeClipboardMoveToTop:    "ClipboardMoveToTop",
	TypeClipboardMoveToTopAck: "ClipboardMoveToTopAck",
	TypeClipboardDelete:       "ClipboardDelete",
	TypeClipboardDeleteAck:    "ClipboardDeleteAck",
	TypeClipboardBroadcast:    "ClipboardBroadcast",
	TypeHeartbeat:             "Heartbeat",
	TypeHeartbeatAck:          "HeartbeatAck",
	TypeDisconnect:            "Disconnect",
	TypeErrorResponse:         "ErrorResponse",
}

const (
	// MaxFrameBytes is the largest payload (type+payload) a frame may carry.
	MaxFrameBytes = 10*1024*1024 + 2
	// headerLen is the length-prefix-only header size (the u32 itself).
	headerLen = 4
	// typeLen is the packet_type field size.
	typeLen = 2
	// minTotalLen is the smallest legal total_len: the u16 type, no payload.
	minTotalLen = typeLen
)

// ProtocolError is a fatal, session-terminating error: malformed framing, an
// unknown packet type, or an oversize frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

func newProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Read reads one frame from r, returning its type and raw payload bytes.
// On a clean EOF (including a partial header from a closed stream) it
// returns io.EOF. Any other framing problem is a *ProtocolError.
func Read(r io.Reader) (Type, []byte, error) {
	var lenBuf [headerLen]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	totalLen := binary.BigEndian.Uint32(lenBuf[:])
	if totalLen < minTotalLen || totalLen > MaxFrameBytes {
		return 0, nil, newProtocolError("invalid frame length %d", totalLen)
	}

	body := make([]byte, totalLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}

	typ := Type(binary.BigEndian.Uint16(body[:typeLen]))
	if _, known := typeNames[typ]; !known {
		return 0, nil, newProtocolError("unknown packet type %d", typ)
	}
	payload := body[typeLen:]
	return typ, payload, nil
}

// Write serializes and writes one frame to w.
func Write(w io.Writer, typ Type, payload []byte) error {
	total := typeLen + len(payload)
	if total > MaxFrameBytes {
		return newProtocolError("payload too large (%d bytes)", len(payload))
	}
	frame := make([]byte, headerLen+total)
	binary.BigEndian.PutUint32(frame[:headerLen], uint32(total))
	binary.BigEndian.PutUint16(frame[headerLen:headerLen+typeLen], uint16(typ))
	copy(frame[headerLen+typeLen:], payload)
	_, err := w.Write(frame)
	return err
}

// Encode marshals msg to JSON for use as a frame payload.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode unmarshals a frame payload into msg (a pointer to one of the
// Message types in messages.go).
func Decode(payload []byte, msg any) error {
	if err := json.Unmarshal(payload, msg); err != nil {
		return newProtocolError("malformed payload: %v", err)
	}
	return nil
}

// WriteMessage encodes msg and writes it as a frame of type typ.
func WriteMessage(w io.Writer, typ Type, msg any) error {
	payload, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	return Write(w, typ, payload)
}
