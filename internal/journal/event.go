package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EventKind identifies one of the asciicast v2 event type tags.
type EventKind string

const (
	KindOutput EventKind = "o"
	KindInput  EventKind = "i"
	KindResize EventKind = "r"
	KindMarker EventKind = "m"
	KindExit   EventKind = "exit"
)

// Header is line 1 of an asciicast v2 journal.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Encode serializes the header to a single JSON line (no trailing
// newline).
func (h Header) Encode() []byte {
	data, _ := json.Marshal(h)
	return data
}

// Event is a single decoded `[t, kind, data]` asciicast event line.
type Event struct {
	Time float64
	Kind EventKind
	Data string
}

// encodeTuple renders [time, kind, data] as the exact bytes that will be
// written to the journal. data is JSON-string-encoded with Go's standard
// escaper, matching encoding/json's behavior for a bare string element so
// that SequenceFileOffset's prefix-length assumption holds.
func encodeTuple(t float64, kind EventKind, data string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(formatTimestamp(t))
	buf.WriteString(",\"")
	buf.WriteString(string(kind))
	buf.WriteString("\",\"")
	buf.WriteString(jsonStringEncode([]byte(data)))
	buf.WriteString("\"]")
	return buf.Bytes()
}

// formatTimestamp renders a float64 the way encoding/json would for a
// plain numeric element, trimming to a stable precision.
func formatTimestamp(t float64) string {
	s := strconv.FormatFloat(t, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		s = "0"
	}
	return s
}

// jsonStringEncode returns the interior bytes of a JSON string literal
// for data — i.e. what encoding/json.Marshal(string(data)) would produce
// with the surrounding quotes stripped. Used both to write events and,
// in SequenceFileOffset, to compute byte offsets against what was
// actually written.
func jsonStringEncode(data []byte) string {
	encoded, _ := json.Marshal(string(data))
	s := string(encoded)
	if len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	return s
}

// DecodeLine parses one journal line (after the header) into an Event.
// It accepts only the 3-tuple form (`[t,"o",data]`, including the exit
// event `[t,"exit","code"]`); lines with fewer than three fields, such
// as a 2-tuple `["exit", code]`, are rejected with an error.
func DecodeLine(line []byte) (Event, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, err
	}
	if len(raw) < 2 {
		return Event{}, fmt.Errorf("journal: malformed event line: %d fields", len(raw))
	}

	var kindStr string
	if err := json.Unmarshal(raw[1], &kindStr); err != nil {
		return Event{}, fmt.Errorf("journal: malformed event kind: %w", err)
	}

	if len(raw) < 3 {
		return Event{}, fmt.Errorf("journal: malformed event line: missing data field")
	}

	var t float64
	if err := json.Unmarshal(raw[0], &t); err != nil {
		return Event{}, fmt.Errorf("journal: malformed event timestamp: %w", err)
	}

	var data string
	if err := json.Unmarshal(raw[2], &data); err != nil {
		return Event{}, fmt.Errorf("journal: malformed event data: %w", err)
	}

	return Event{Time: t, Kind: EventKind(kindStr), Data: data}, nil
}

// DecodeHeader parses the journal's first line.
func DecodeHeader(line []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, err
	}
	if h.Version == 0 {
		return Header{}, fmt.Errorf("journal: missing or zero version in header")
	}
	return h, nil
}
