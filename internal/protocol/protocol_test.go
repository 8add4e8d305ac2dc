package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload []byte
	}{
		{"empty payload", TypeHeartbeat, nil},
		{"small payload", TypeServerHello, []byte(`{"serverVersion":"1.0.0"}`)},
		{"binary-ish payload", TypeClipboardPush, bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 1000)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, tc.typ, tc.payload))

			gotType, gotPayload, err := Read(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.typ, gotType)
			if len(tc.payload) == 0 {
				require.Empty(t, gotPayload)
			} else {
				require.Equal(t, tc.payload, gotPayload)
			}
		})
	}
}

func TestReadEOFOnEmptyStream(t *testing.T) {
	_, _, err := Read(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestReadEOFOnShortHeader(t *testing.T) {
	_, _, err := Read(bytes.NewReader([]byte{0x00, 0x01}))
	require.ErrorIs(t, err, io.EOF)
}

func TestReadEOFOnTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, TypeHeartbeat, []byte("hello")))
	truncated := buf.Bytes()[:buf.Len()-2]
	_, _, err := Read(bytes.NewReader(truncated))
	require.ErrorIs(t, err, io.EOF)
}

func TestReadRejectsOversizeFrame(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xff // huge, bigger than MaxFrameBytes
	_, _, err := Read(bytes.NewReader(lenBuf[:]))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestReadRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Type(9999), nil))
	_, _, err := Read(&buf)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestWriteRejectsOversizePayload(t *testing.T) {
	huge := make([]byte, MaxFrameBytes+1)
	err := Write(io.Discard, TypeClipboardPush, huge)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	want := ServerHello{ServerVersion: "1.0.0+test", TlsAvailable: true, TlsRequired: false}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, TypeServerHello, want))

	typ, payload, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeServerHello, typ)

	var got ServerHello
	require.NoError(t, Decode(payload, &got))
	require.Equal(t, want, got)
}
