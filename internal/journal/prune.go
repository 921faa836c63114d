// Package journal implements the asciicast v2 journal writer, its
// pruning-checkpoint detection, and the streaming truncator used when the
// journal grows past its size budget.
package journal

import (
	"bytes"
	"fmt"
)

// Sequence identifies one of the recognized "safe pruning" escape
// sequences: terminal state after this byte is independent of everything
// written before it.
type Sequence int

const (
	SeqClearScrollback Sequence = iota // ESC[3J
	SeqReset                           // ESC c   (RIS)
	SeqClearScreen                     // ESC[2J
	SeqHomeClear                       // ESC[H ESC[J
	SeqHomeClear2                      // ESC[H ESC[2J
	SeqAltScreenEnter                  // ESC[?1049h
	SeqAltScreenExit                   // ESC[?1049l
	SeqAltScreenEnterOld               // ESC[?47h
	SeqAltScreenExitOld                // ESC[?47l
)

func (s Sequence) String() string {
	switch s {
	case SeqClearScrollback:
		return "clear-scrollback"
	case SeqReset:
		return "reset"
	case SeqClearScreen:
		return "clear-screen"
	case SeqHomeClear:
		return "home-clear"
	case SeqHomeClear2:
		return "home-clear2"
	case SeqAltScreenEnter:
		return "alt-screen-enter"
	case SeqAltScreenExit:
		return "alt-screen-exit"
	case SeqAltScreenEnterOld:
		return "alt-screen-enter-old"
	case SeqAltScreenExitOld:
		return "alt-screen-exit-old"
	default:
		return "unknown"
	}
}

// pattern is a literal byte sequence recognized as a pruning point.
type pattern struct {
	seq   Sequence
	bytes []byte
}

// patterns is ordered longest-prefix-first where two sequences share a
// prefix (ESC[H ESC[J vs ESC[H ESC[2J) so a scan finds the longest match
// at a given start position.
var patterns = []pattern{
	{SeqHomeClear2, []byte("\x1b[H\x1b[2J")},
	{SeqHomeClear, []byte("\x1b[H\x1b[J")},
	{SeqClearScrollback, []byte("\x1b[3J")},
	{SeqClearScreen, []byte("\x1b[2J")},
	{SeqReset, []byte("\x1bc")},
	{SeqAltScreenEnter, []byte("\x1b[?1049h")},
	{SeqAltScreenExit, []byte("\x1b[?1049l")},
	{SeqAltScreenEnterOld, []byte("\x1b[?47h")},
	{SeqAltScreenExitOld, []byte("\x1b[?47l")},
}

// Match is one occurrence of a recognized sequence inside a byte slice.
type Match struct {
	Sequence    Sequence
	StartIndex  int // byte offset of the sequence's first byte within data
	Len         int // byte length of the matched sequence
}

// EndIndex returns the offset one byte past the match.
func (m Match) EndIndex() int { return m.StartIndex + m.Len }

// DetectLast returns the latest occurrence (by end offset) of any
// recognized pruning sequence in data, or false if none is found.
func DetectLast(data []byte) (Match, bool) {
	best := Match{StartIndex: -1}
	found := false

	for _, p := range patterns {
		idx := -1
		for {
			rel := bytes.Index(data[idx+1:], p.bytes)
			if rel < 0 {
				break
			}
			idx = idx + 1 + rel
		}
		if idx < 0 {
			continue
		}
		m := Match{Sequence: p.seq, StartIndex: idx, Len: len(p.bytes)}
		if !found || m.EndIndex() > best.EndIndex() {
			best = m
			found = true
		}
	}

	return best, found
}

// ContainsAny reports whether data contains any recognized pruning
// sequence.
func ContainsAny(data []byte) bool {
	_, ok := DetectLast(data)
	return ok
}

// eventPrefix is the literal bytes that precede the JSON-string-encoded
// output payload in a written asciicast "o" event: `[<ts>,"o","`.
func eventPrefix(timestamp float64) string {
	return fmt.Sprintf("[%s,\"o\",\"", formatTimestamp(timestamp))
}

// SequenceFileOffset computes the exact file byte offset that points one
// byte past a detected sequence, given the event's starting file offset,
// its timestamp, the raw (pre-JSON-encoding) data it carries, and the
// [startIndex, startIndex+seqLen) span of the match within that raw data.
//
// The offset must land on a UTF-8 rune boundary and outside the escape
// sequence itself, since the server uses it as a tail-read start point.
func SequenceFileOffset(eventStartOffset int64, timestamp float64, rawData []byte, startIndex, seqLen int) int64 {
	prefix := eventPrefix(timestamp)
	encodedUpTo := jsonStringEncode(rawData[:startIndex+seqLen])
	return eventStartOffset + int64(len(prefix)) + int64(len(encodedUpTo))
}
