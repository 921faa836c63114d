// Package frame implements the binary length-prefixed frame protocol
// shared by the forwarder<->server Unix socket and the server<->browser
// WebSocket transport.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the constant two-byte sentinel that opens every frame.
var Magic = [2]byte{'T', 'V'}

// Version is the protocol version this package implements.
const Version = 3

// Type identifies a frame's payload shape.
type Type uint8

const (
	TypeSubscribe Type = iota + 1
	TypeUnsubscribe
	TypePing
	TypePong
	TypeStdout
	TypeSnapshotVT
	TypeInputText
	TypeResize
	TypeSignal
	TypeEvent
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeSubscribe:
		return "Subscribe"
	case TypeUnsubscribe:
		return "Unsubscribe"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeStdout:
		return "Stdout"
	case TypeSnapshotVT:
		return "SnapshotVT"
	case TypeInputText:
		return "InputText"
	case TypeResize:
		return "Resize"
	case TypeSignal:
		return "Signal"
	case TypeEvent:
		return "Event"
	case TypeError:
		return "Error"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Subscribe channel flags, bitwise-OR'd into the Subscribe payload's
// first byte.
const (
	FlagStdout    uint8 = 1 << 0
	FlagSnapshots uint8 = 1 << 1
	FlagEvents    uint8 = 1 << 2
)

// SnapshotMagic and SnapshotVersion tag the SnapshotVT payload body.
var SnapshotMagic = [2]byte{'V', 'T'}

const SnapshotVersion uint8 = 1

// headerLen is magic(2) + version(1) + type(1) + sessionIdLen(2) + payloadLen(4).
const headerLen = 2 + 1 + 1 + 2 + 4

// maxSessionIDLen and maxPayloadLen bound allocation on decode; chosen
// generously above any real session id or single frame payload.
const (
	maxSessionIDLen = 1 << 16
	maxPayloadLen   = 64 * 1024 * 1024
)

// Frame is a fully decoded protocol frame.
type Frame struct {
	Type      Type
	SessionID string
	Payload   []byte
}

// ErrBadMagic, ErrBadVersion, ErrTruncated, and ErrPayloadLenMismatch are
// the rejection reasons a decoder reports back to the offending peer as
// an Error frame, per §4.7.
var (
	ErrBadMagic           = errors.New("frame: bad magic")
	ErrBadVersion         = errors.New("frame: unsupported version")
	ErrTruncated          = errors.New("frame: truncated header or body")
	ErrPayloadLenMismatch = errors.New("frame: payload length mismatch")
	ErrSessionIDTooLong   = errors.New("frame: sessionId too long")
	ErrPayloadTooLong     = errors.New("frame: payload too long")
)

// Encode serializes f into the wire format.
func Encode(f Frame) ([]byte, error) {
	sessionID := []byte(f.SessionID)
	if len(sessionID) > maxSessionIDLen {
		return nil, ErrSessionIDTooLong
	}
	if len(f.Payload) > maxPayloadLen {
		return nil, ErrPayloadTooLong
	}

	buf := make([]byte, headerLen+len(sessionID)+len(f.Payload))
	buf[0], buf[1] = Magic[0], Magic[1]
	buf[2] = Version
	buf[3] = byte(f.Type)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(sessionID)))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(f.Payload)))
	copy(buf[headerLen:], sessionID)
	copy(buf[headerLen+len(sessionID):], f.Payload)
	return buf, nil
}

// Decode parses a single frame from the front of data. It returns the
// frame, the number of bytes consumed, and an error. ErrTruncated means
// the caller should read more bytes and retry; any other error means
// the frame itself is malformed and the caller should respond with a
// Type Error frame before dropping the connection.
func Decode(data []byte) (Frame, int, error) {
	if len(data) < headerLen {
		return Frame{}, 0, ErrTruncated
	}
	if data[0] != Magic[0] || data[1] != Magic[1] {
		return Frame{}, 0, ErrBadMagic
	}
	if data[2] != Version {
		return Frame{}, 0, ErrBadVersion
	}

	sessionIDLen := int(binary.LittleEndian.Uint16(data[4:6]))
	payloadLen := int(binary.LittleEndian.Uint32(data[6:10]))

	if sessionIDLen > maxSessionIDLen {
		return Frame{}, 0, ErrSessionIDTooLong
	}
	if payloadLen > maxPayloadLen {
		return Frame{}, 0, ErrPayloadTooLong
	}

	total := headerLen + sessionIDLen + payloadLen
	if len(data) < total {
		return Frame{}, 0, ErrTruncated
	}

	sessionID := string(data[headerLen : headerLen+sessionIDLen])
	payload := data[headerLen+sessionIDLen : total]
	if len(payload) != payloadLen {
		return Frame{}, 0, ErrPayloadLenMismatch
	}

	f := Frame{
		Type:      Type(data[3]),
		SessionID: sessionID,
		Payload:   append([]byte(nil), payload...),
	}
	return f, total, nil
}

// SubscribePayload is the typed view of a Subscribe frame's payload.
type SubscribePayload struct {
	Flags                  uint8
	SnapshotMinIntervalMs  uint16
	SnapshotMaxIntervalMs  uint16
}

func EncodeSubscribe(p SubscribePayload) []byte {
	buf := make([]byte, 5)
	buf[0] = p.Flags
	binary.LittleEndian.PutUint16(buf[1:3], p.SnapshotMinIntervalMs)
	binary.LittleEndian.PutUint16(buf[3:5], p.SnapshotMaxIntervalMs)
	return buf
}

func DecodeSubscribe(payload []byte) (SubscribePayload, error) {
	if len(payload) != 5 {
		return SubscribePayload{}, fmt.Errorf("frame: subscribe payload must be 5 bytes, got %d", len(payload))
	}
	return SubscribePayload{
		Flags:                 payload[0],
		SnapshotMinIntervalMs: binary.LittleEndian.Uint16(payload[1:3]),
		SnapshotMaxIntervalMs: binary.LittleEndian.Uint16(payload[3:5]),
	}, nil
}

// ResizePayload is the typed view of a Resize frame's payload.
type ResizePayload struct {
	Cols uint16
	Rows uint16
}

func EncodeResize(p ResizePayload) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], p.Cols)
	binary.LittleEndian.PutUint16(buf[2:4], p.Rows)
	return buf
}

func DecodeResize(payload []byte) (ResizePayload, error) {
	if len(payload) != 4 {
		return ResizePayload{}, fmt.Errorf("frame: resize payload must be 4 bytes, got %d", len(payload))
	}
	return ResizePayload{
		Cols: binary.LittleEndian.Uint16(payload[0:2]),
		Rows: binary.LittleEndian.Uint16(payload[2:4]),
	}, nil
}

// EncodeSignal/DecodeSignal handle the single-byte Signal payload.
func EncodeSignal(signal uint8) []byte {
	return []byte{signal}
}

func DecodeSignal(payload []byte) (uint8, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("frame: signal payload must be 1 byte, got %d", len(payload))
	}
	return payload[0], nil
}

// ErrorPayload is the typed view of an Error frame's payload.
type ErrorPayload struct {
	Code    uint16
	Message string
}

func EncodeError(p ErrorPayload) []byte {
	msg := []byte(p.Message)
	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint16(buf[0:2], p.Code)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(msg)))
	copy(buf[4:], msg)
	return buf
}

func DecodeError(payload []byte) (ErrorPayload, error) {
	if len(payload) < 4 {
		return ErrorPayload{}, ErrTruncated
	}
	code := binary.LittleEndian.Uint16(payload[0:2])
	msgLen := int(binary.LittleEndian.Uint16(payload[2:4]))
	if len(payload) != 4+msgLen {
		return ErrorPayload{}, ErrPayloadLenMismatch
	}
	return ErrorPayload{Code: code, Message: string(payload[4:])}, nil
}

// EncodeSnapshotVT wraps a pre-rendered cell/attribute grid with the
// 'VT' magic and version tag.
func EncodeSnapshotVT(grid []byte) []byte {
	buf := make([]byte, 3+len(grid))
	buf[0], buf[1] = SnapshotMagic[0], SnapshotMagic[1]
	buf[2] = SnapshotVersion
	copy(buf[3:], grid)
	return buf
}

func DecodeSnapshotVT(payload []byte) ([]byte, error) {
	if len(payload) < 3 {
		return nil, ErrTruncated
	}
	if payload[0] != SnapshotMagic[0] || payload[1] != SnapshotMagic[1] {
		return nil, ErrBadMagic
	}
	if payload[2] != SnapshotVersion {
		return nil, ErrBadVersion
	}
	return payload[3:], nil
}

// RejectionFrame builds the Error frame a decoder should write back to
// a peer that sent a malformed frame.
func RejectionFrame(err error) Frame {
	code := uint16(0)
	switch {
	case errors.Is(err, ErrBadMagic):
		code = 1
	case errors.Is(err, ErrBadVersion):
		code = 2
	case errors.Is(err, ErrTruncated):
		code = 3
	case errors.Is(err, ErrPayloadLenMismatch):
		code = 4
	case errors.Is(err, ErrSessionIDTooLong), errors.Is(err, ErrPayloadTooLong):
		code = 5
	}
	payload, _ := Encode(Frame{
		Type:    TypeError,
		Payload: EncodeError(ErrorPayload{Code: code, Message: err.Error()}),
	})
	decoded, _, _ := Decode(payload)
	return decoded
}
