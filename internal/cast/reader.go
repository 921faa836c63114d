package cast

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vibetunnel/vibetunnel/internal/journal"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

const (
	readerPollInterval = 200 * time.Millisecond
	readerGracePeriod  = 5 * time.Second
)

// reader is the single goroutine per session that parses the journal
// as a lazy event stream and fans out decoded Events to every current
// Subscriber (§4.8). It also tracks the replay buffer — everything
// since the last pruning checkpoint — so a subscriber that joins late
// still gets a coherent header plus catch-up content.
//
// The journal's header line is read synchronously in newReader, before
// run() is ever started as a goroutine: addSubscriber does no I/O and
// would otherwise race run()'s own open-and-decode of the header,
// handing out a zero-value Header to whichever subscriber attaches
// before run() gets there first (§4.8 step 3 requires the header to
// carry the session's actual geometry).
type reader struct {
	sessionID string
	sessions  *session.Manager
	logger    *slog.Logger
	onIdle    func(sessionID string)
	renderer  SnapshotRenderer

	// Populated synchronously by newReader, before any subscriber can
	// observe them: the already-open journal file positioned just past
	// its header line, the decoded record, and the byte offset the
	// header line consumed. openErr is set instead when any of this
	// fails: addSubscriber then hands every subscriber an Error event
	// carrying it, and run() exits without reading anything.
	file    *os.File
	tail    *lineTailer
	offset  int64
	record  *session.Record
	openErr error

	mu               sync.Mutex
	subscribers      map[*Subscriber]struct{}
	checkpointHeader journal.Header
	replay           []Event
	sinceCheckpoint  []byte // raw output bytes since the last checkpoint, for snapshot rendering
	runningCols      int
	runningRows      int

	idleSince time.Time
	stopCh    chan struct{}
}

// newReader opens sessionID's journal and reads its header line
// synchronously, so the caller (Hub.Subscribe) can hand out a
// subscriber whose first event already carries the real geometry
// without waiting on the run() goroutine to get scheduled.
func newReader(sessionID string, sessions *session.Manager, logger *slog.Logger, renderer SnapshotRenderer, onIdle func(string)) *reader {
	r := &reader{
		sessionID:   sessionID,
		sessions:    sessions,
		logger:      logger,
		onIdle:      onIdle,
		renderer:    renderer,
		subscribers: make(map[*Subscriber]struct{}),
		stopCh:      make(chan struct{}),
	}

	record, err := sessions.Load(sessionID)
	if err != nil {
		r.openErr = fmt.Errorf("cast: load session record: %w", err)
		return r
	}

	paths := sessions.GetPaths(sessionID)
	f, err := os.Open(paths.Stdout)
	if err != nil {
		r.openErr = fmt.Errorf("cast: open journal: %w", err)
		return r
	}

	tail := newLineTailer(f)
	headerLine, consumed, ok, err := tail.next()
	if err != nil || !ok {
		f.Close()
		if err == nil {
			err = fmt.Errorf("no header line available")
		}
		r.openErr = fmt.Errorf("cast: read header line: %w", err)
		return r
	}
	header, err := journal.DecodeHeader(headerLine)
	if err != nil {
		f.Close()
		r.openErr = fmt.Errorf("cast: decode header: %w", err)
		return r
	}

	r.record = record
	r.file = f
	r.tail = tail
	r.offset = int64(consumed)
	r.checkpointHeader = header
	r.runningCols, r.runningRows = header.Width, header.Height

	return r
}

func (r *reader) addSubscriber(opts SubscribeOptions) *Subscriber {
	sub := newSubscriber(r.sessionID, opts, r)

	if r.openErr != nil {
		sub.enqueue(Event{Kind: KindError, Err: r.openErr})
		return sub
	}

	r.mu.Lock()
	sub.enqueue(Event{Kind: KindHeader, Header: r.checkpointHeader})
	for _, ev := range r.replay {
		if ev.Kind == KindOutput && !opts.WantsStdout {
			continue
		}
		sub.enqueue(ev)
	}
	r.subscribers[sub] = struct{}{}
	r.idleSince = time.Time{}
	r.mu.Unlock()

	return sub
}

func (r *reader) removeSubscriber(sub *Subscriber) {
	r.mu.Lock()
	delete(r.subscribers, sub)
	if len(r.subscribers) == 0 {
		r.idleSince = time.Now()
	}
	r.mu.Unlock()
}

func (r *reader) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

func (r *reader) broadcast(ev Event) {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if ev.Kind == KindOutput && !sub.opts.WantsStdout {
			continue
		}
		sub.enqueue(ev)
	}
}

func (r *reader) broadcastSnapshots(now time.Time) {
	if r.renderer == nil {
		return
	}
	r.mu.Lock()
	cumulative := append([]byte(nil), r.sinceCheckpoint...)
	cols, rows := r.runningCols, r.runningRows
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		if sub.opts.WantsSnapshots {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if !sub.dueForSnapshot(now) {
			continue
		}
		grid := r.renderer(cumulative, cols, rows)
		sub.enqueue(Event{Kind: KindSnapshot, Data: grid, Cols: cols, Rows: rows})
		sub.markSnapshotSent(now)
	}
}

func (r *reader) broadcastError(err error) {
	r.broadcast(Event{Kind: KindError, Err: err})
}

func (r *reader) closeAllSubscribers() {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (r *reader) appendReplay(ev Event) {
	r.mu.Lock()
	r.replay = append(r.replay, ev)
	if ev.Kind == KindOutput {
		r.sinceCheckpoint = append(r.sinceCheckpoint, ev.Data...)
	}
	r.mu.Unlock()
}

func (r *reader) resetCheckpoint(header journal.Header, tail []byte) {
	r.mu.Lock()
	r.checkpointHeader = header
	if len(tail) > 0 {
		r.replay = []Event{{Kind: KindOutput, Data: tail}}
		r.sinceCheckpoint = append([]byte(nil), tail...)
	} else {
		r.replay = nil
		r.sinceCheckpoint = nil
	}
	r.mu.Unlock()
}

// run is the reader goroutine's body: pick up the journal file and
// header newReader already opened and decoded, then loop reading new
// lines (first the backlog, then live tail via fsnotify/polling) until
// exit or idle-shutdown.
func (r *reader) run() {
	defer r.onIdle(r.sessionID)

	if r.openErr != nil {
		r.broadcastError(r.openErr)
		return
	}

	f := r.file
	defer f.Close()

	record := r.record
	tail := r.tail
	offset := r.offset
	paths := r.sessions.GetPaths(r.sessionID)

	var watcher *fsnotify.Watcher
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(paths.Stdout); err == nil {
			watcher = w
		} else {
			w.Close()
		}
	}
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(readerPollInterval)
	defer ticker.Stop()
	snapshotTicker := time.NewTicker(50 * time.Millisecond)
	defer snapshotTicker.Stop()

	for {
		advanced := false
		for {
			line, consumed, ok, err := tail.next()
			if err != nil {
				r.logger.Warn("cast: tail read error", "session", r.sessionID, "error", err)
				r.broadcastError(err)
				return
			}
			if !ok {
				break
			}
			eventStart := offset
			offset += int64(consumed)
			advanced = true

			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			ev, err := journal.DecodeLine(line)
			if err != nil {
				r.logger.Debug("cast: skipping malformed event line", "session", r.sessionID, "error", err)
				continue
			}

			if exit := r.handleEvent(record, ev, eventStart); exit {
				return
			}
		}

		if !advanced {
			if r.subscriberCount() == 0 {
				r.mu.Lock()
				idleSince := r.idleSince
				r.mu.Unlock()
				if !idleSince.IsZero() && time.Since(idleSince) > readerGracePeriod {
					return
				}
			}
		}

		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-snapshotTicker.C:
			r.broadcastSnapshots(time.Now())
		case <-watcherEventsChan(watcher):
		}
	}
}

// handleEvent applies one decoded journal event: updates running
// geometry, detects pruning sequences and rewrites the checkpoint, and
// fans out the corresponding cast.Event. Returns true if the session
// has exited and the reader should stop.
func (r *reader) handleEvent(record *session.Record, ev journal.Event, eventStart int64) bool {
	switch ev.Kind {
	case journal.KindOutput:
		data := []byte(ev.Data)

		if match, ok := journal.DetectLast(data); ok {
			seqOffset := journal.SequenceFileOffset(eventStart, ev.Time, data, match.StartIndex, match.Len)
			tailStart := match.StartIndex + match.Len
			tail := append([]byte(nil), data[tailStart:]...)

			newHeader := journal.Header{
				Version: r.checkpointHeader.Version,
				Width:   r.runningColsLocked(),
				Height:  r.runningRowsLocked(),
			}
			r.resetCheckpoint(newHeader, tail)

			record.LastClearOffset = seqOffset
			if err := r.sessions.Save(r.sessionID, record); err != nil {
				r.logger.Warn("cast: failed to persist pruning checkpoint", "session", r.sessionID, "error", err)
			}

			if len(tail) > 0 {
				r.broadcast(Event{Kind: KindOutput, Data: tail})
			}
			return false
		}

		castEvent := Event{Kind: KindOutput, Data: data}
		r.appendReplay(castEvent)
		r.broadcast(castEvent)

	case journal.KindResize:
		cols, rows, err := parseResizeData(ev.Data)
		if err == nil {
			r.mu.Lock()
			r.runningCols, r.runningRows = cols, rows
			r.mu.Unlock()
		}
		castEvent := Event{Kind: KindResize, Cols: cols, Rows: rows}
		r.appendReplay(castEvent)
		r.broadcast(castEvent)

	case journal.KindMarker:
		castEvent := Event{Kind: KindMarker, Text: ev.Data}
		r.appendReplay(castEvent)
		r.broadcast(castEvent)

	case journal.KindInput:
		// Not forwarded live; preserved in the journal for replay only.

	case journal.KindExit:
		code, _ := strconv.Atoi(ev.Data)
		record.Status = session.StatusExited
		record.ExitCode = &code
		if err := r.sessions.Save(r.sessionID, record); err != nil {
			r.logger.Warn("cast: failed to persist exit status", "session", r.sessionID, "error", err)
		}
		r.broadcast(Event{Kind: KindExit, ExitCode: code})
		r.closeAllSubscribers()
		return true
	}
	return false
}

func (r *reader) runningColsLocked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningCols
}

func (r *reader) runningRowsLocked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningRows
}

func parseResizeData(data string) (cols, rows int, err error) {
	parts := strings.SplitN(data, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("cast: malformed resize data %q", data)
	}
	cols, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	rows, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return cols, rows, nil
}

func watcherEventsChan(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// lineTailer reads complete newline-terminated lines from a growing
// file, holding back any trailing partial line until more bytes
// arrive. Used instead of bufio.Scanner so the reader can tell apart
// "no more complete lines yet" from "real I/O error".
type lineTailer struct {
	f   *os.File
	buf []byte
}

func newLineTailer(f *os.File) *lineTailer {
	return &lineTailer{f: f}
}

// next returns the next complete line (without its trailing '\n'), the
// number of bytes it consumed from the file (including the newline),
// and ok=true. ok=false with a nil error means no complete line is
// currently available (EOF reached mid-line or at a clean boundary).
func (t *lineTailer) next() (line []byte, consumed int, ok bool, err error) {
	for {
		if idx := bytes.IndexByte(t.buf, '\n'); idx >= 0 {
			line = append([]byte(nil), t.buf[:idx]...)
			consumed = idx + 1
			t.buf = t.buf[consumed:]
			return line, consumed, true, nil
		}

		chunk := make([]byte, 64*1024)
		n, rerr := t.f.Read(chunk)
		if n > 0 {
			t.buf = append(t.buf, chunk[:n]...)
			continue
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil, 0, false, nil
			}
			return nil, 0, false, rerr
		}
		return nil, 0, false, nil
	}
}
