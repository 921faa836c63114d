// Package cast turns a session's asciicast journal into a replayable
// plus live event stream fanned out to many subscribers: one reader
// goroutine per session pays the parsing cost once, regardless of how
// many browsers are watching (§4.8-§4.9).
package cast

import "github.com/vibetunnel/vibetunnel/internal/journal"

// EventKind identifies the shape of an Event delivered to a subscriber.
type EventKind string

const (
	KindHeader   EventKind = "header"
	KindOutput   EventKind = "output"
	KindResize   EventKind = "resize"
	KindMarker   EventKind = "marker"
	KindExit     EventKind = "exit"
	KindSnapshot EventKind = "snapshot"
	KindError    EventKind = "error"
)

// Event is the typed payload the Hub delivers to subscribers, distinct
// from journal.Event (the on-disk tuple) because it carries synthetic
// kinds (header, snapshot, error) that never appear in the journal
// itself.
type Event struct {
	Kind     EventKind
	Header   journal.Header
	Data     []byte
	Cols     int
	Rows     int
	Text     string
	ExitCode int
	Err      error
}

// SnapshotRenderer renders a compact terminal snapshot from the
// cumulative output observed since the last pruning checkpoint. Wired
// to internal/snapshot's VT-backed emulator in production; nil disables
// snapshot delivery entirely.
type SnapshotRenderer func(cumulativeOutput []byte, cols, rows int) []byte

// SubscribeOptions selects which channels a subscriber receives and, if
// snapshots are requested, the pacing bounds from §4.9.
type SubscribeOptions struct {
	WantsStdout         bool
	WantsSnapshots      bool
	SnapshotMinInterval int64 // milliseconds
	SnapshotMaxInterval int64 // milliseconds
}
