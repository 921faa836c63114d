package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Type:      TypeStdout,
		SessionID: "abc-123",
		Payload:   []byte("hello world"),
	}

	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(encoded), n)
	}
	if decoded.Type != f.Type || decoded.SessionID != f.SessionID || !bytes.Equal(decoded.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeGlobalFrameHasEmptySessionID(t *testing.T) {
	f := Frame{Type: TypeEvent, Payload: []byte(`{"type":"test-notification"}`)}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, _, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SessionID != "" {
		t.Fatalf("expected empty sessionId for a global frame, got %q", decoded.SessionID)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	f := Frame{Type: TypePing}
	encoded, _ := Encode(f)
	encoded[0] = 'X'

	if _, _, err := Decode(encoded); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	f := Frame{Type: TypePing}
	encoded, _ := Encode(f)
	encoded[2] = Version + 1

	if _, _, err := Decode(encoded); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestDecodeReportsTruncated(t *testing.T) {
	f := Frame{Type: TypeStdout, SessionID: "s", Payload: []byte("longer payload than header")}
	encoded, _ := Encode(f)

	if _, _, err := Decode(encoded[:5]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for a short header, got %v", err)
	}
	if _, _, err := Decode(encoded[:len(encoded)-1]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for a short body, got %v", err)
	}
}

func TestDecodeMultipleFramesFromStream(t *testing.T) {
	f1, _ := Encode(Frame{Type: TypePing})
	f2, _ := Encode(Frame{Type: TypePong})
	stream := append(append([]byte{}, f1...), f2...)

	first, n1, err := Decode(stream)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if first.Type != TypePing {
		t.Fatalf("expected Ping, got %v", first.Type)
	}

	second, n2, err := Decode(stream[n1:])
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if second.Type != TypePong {
		t.Fatalf("expected Pong, got %v", second.Type)
	}
	if n1+n2 != len(stream) {
		t.Fatalf("expected to consume entire stream")
	}
}

func TestSubscribePayloadRoundTrip(t *testing.T) {
	p := SubscribePayload{Flags: FlagStdout | FlagSnapshots, SnapshotMinIntervalMs: 50, SnapshotMaxIntervalMs: 1000}
	decoded, err := DecodeSubscribe(EncodeSubscribe(p))
	if err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	if decoded != p {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, p)
	}
}

func TestResizePayloadRoundTrip(t *testing.T) {
	p := ResizePayload{Cols: 120, Rows: 40}
	decoded, err := DecodeResize(EncodeResize(p))
	if err != nil {
		t.Fatalf("decode resize: %v", err)
	}
	if decoded != p {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, p)
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	p := ErrorPayload{Code: 3, Message: "truncated frame"}
	decoded, err := DecodeError(EncodeError(p))
	if err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if decoded != p {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, p)
	}
}

func TestSnapshotVTRoundTrip(t *testing.T) {
	grid := []byte{1, 2, 3, 4, 5}
	decoded, err := DecodeSnapshotVT(EncodeSnapshotVT(grid))
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !bytes.Equal(decoded, grid) {
		t.Fatalf("round trip mismatch: %v != %v", decoded, grid)
	}
}

func TestSnapshotVTRejectsBadMagic(t *testing.T) {
	payload := EncodeSnapshotVT([]byte{1})
	payload[0] = 'X'
	if _, err := DecodeSnapshotVT(payload); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestRejectionFrameCarriesErrorType(t *testing.T) {
	rej := RejectionFrame(ErrBadMagic)
	if rej.Type != TypeError {
		t.Fatalf("expected Error type, got %v", rej.Type)
	}
	payload, err := DecodeError(rej.Payload)
	if err != nil {
		t.Fatalf("decode rejection payload: %v", err)
	}
	if payload.Code != 1 {
		t.Fatalf("expected code 1 for bad magic, got %d", payload.Code)
	}
}
