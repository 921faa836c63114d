package journal

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Limits bounds the journal's on-disk size and controls how often that
// bound is checked. Every interval here is configurable and test
// injectable, per the "polling intervals hard-coded throughout" design
// note.
type Limits struct {
	// MaxCastSize is the byte size above which truncation triggers.
	MaxCastSize int64
	// CastSizeCheckInterval is how often the background goroutine checks
	// the file size.
	CastSizeCheckInterval time.Duration
	// CastTruncationTargetPercentage is the post-truncation target size
	// as a fraction of MaxCastSize, in (0, 1].
	CastTruncationTargetPercentage float64
	// StreamingThreshold is the file size at or above which truncation
	// uses the line-streamed rewrite instead of loading the file whole.
	StreamingThreshold int64
}

// DefaultLimits returns sensible defaults matching spec §4.2: check
// periodically, truncate to 80% of a 50MiB budget, and switch to
// streaming truncation once the file reaches 50MiB.
func DefaultLimits() Limits {
	return Limits{
		MaxCastSize:                    50 * 1024 * 1024,
		CastSizeCheckInterval:          5 * time.Second,
		CastTruncationTargetPercentage: 0.8,
		StreamingThreshold:             50 * 1024 * 1024,
	}
}

// PruningHandler is invoked from the writer goroutine whenever
// writeOutput's argument contains a recognized pruning sequence.
type PruningHandler func(seq Sequence, fileOffset int64)

// Position reports the writer's current byte accounting.
type Position struct {
	Written int64 // bytes that have landed on disk
	Pending int64 // bytes enqueued but not yet flushed
	Total   int64 // Written + Pending
}

type queuedLine struct {
	data      []byte
	onPruning func()
}

// Writer appends asciicast events to a single per-session journal file.
// Exactly one goroutine (run) drains the write queue and owns the file
// handle; all public methods are safe to call concurrently from other
// goroutines (mirrors the teacher's single-reader-goroutine /
// mutex-guarded-queue pattern in internal/pty/session.go).
type Writer struct {
	path   string
	logger *slog.Logger
	limits Limits

	mu        sync.Mutex
	queue     []queuedLine
	notEmpty  chan struct{}
	closed    bool
	closeErr  error
	startedAt time.Time

	written atomic.Int64
	pending atomic.Int64

	onPrune PruningHandler

	f      *os.File
	w      *bufio.Writer
	stop   chan struct{}
	doneCh chan struct{}

	lastCols, lastRows int
}

// Open opens or creates the journal at path. If the file exists, is a
// valid asciicast, and its size is within limits.MaxCastSize, it is
// reopened in append mode. An oversized file at or above
// limits.StreamingThreshold is cut down by the streaming truncator to
// its header line plus its most recent tail and reopened in append
// mode. Any other file (absent, unreadable, malformed, or oversized but
// below that threshold) is replaced by a new file with a fresh header.
func Open(path string, cols, rows int, command, name string, env map[string]string, limits Limits, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Writer{
		path:      path,
		logger:    logger,
		limits:    limits,
		notEmpty:  make(chan struct{}, 1),
		stop:      make(chan struct{}),
		doneCh:    make(chan struct{}),
		startedAt: time.Now(),
		lastCols:  cols,
		lastRows:  rows,
	}

	if err := w.reconcileOnOpen(path, cols, rows, command, name, env); err != nil {
		return nil, err
	}

	go w.run()
	return w, nil
}

// reconcileOnOpen implements "startup reconciliation" from spec §4.2:
// a malformed or oversized existing file is rotated away rather than
// appended to, and a brand-new file always gets a header.
func (w *Writer) reconcileOnOpen(path string, cols, rows int, command, name string, env map[string]string) error {
	if info, err := os.Stat(path); err == nil {
		if valid, _ := validAsciicastHeader(path); valid && info.Size() <= w.limits.MaxCastSize {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("journal: reopen existing file: %w", err)
			}
			w.f = f
			w.w = bufio.NewWriter(f)
			w.written.Store(info.Size())
			return nil
		}

		w.logger.Warn("journal: existing file unreadable, malformed, or oversized; rotating", "path", path)

		if info.Size() >= w.limits.StreamingThreshold {
			tmp := path + ".rotate.tmp"
			if err := StreamTruncate(path, tmp, w.limits.MaxCastSize, w.limits.CastTruncationTargetPercentage); err == nil && os.Rename(tmp, path) == nil {
				f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
				if err != nil {
					return fmt.Errorf("journal: reopen truncated file: %w", err)
				}
				w.f = f
				w.w = bufio.NewWriter(f)
				if info, err := f.Stat(); err == nil {
					w.written.Store(info.Size())
				}
				return nil
			}
			os.Remove(tmp)
			os.Remove(path)
		} else {
			os.Remove(path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("journal: create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("journal: create file: %w", err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)

	header := Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: time.Now().Unix(),
		Command:   command,
		Title:     name,
		Env:       env,
	}
	line := append(header.Encode(), '\n')
	if err := w.writeRaw(line); err != nil {
		return err
	}
	return nil
}

func validAsciicastHeader(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	if !sc.Scan() {
		return false, sc.Err()
	}
	_, err = DecodeHeader(sc.Bytes())
	return err == nil, nil
}

// OnPruningSequence registers handler to be invoked each time writeOutput
// detects a pruning sequence. It is called from the writer goroutine, so
// handler must not block for long.
func (w *Writer) OnPruningSequence(handler PruningHandler) {
	w.mu.Lock()
	w.onPrune = handler
	w.mu.Unlock()
}

func (w *Writer) elapsed() float64 {
	return time.Since(w.startedAt).Seconds()
}

// WriteOutput enqueues a "o" event. If data contains a recognized
// pruning sequence, the latest match's file offset is reported to the
// registered PruningHandler once the line has actually been flushed.
func (w *Writer) WriteOutput(data []byte) {
	t := w.elapsed()
	line := append(encodeTuple(t, KindOutput, string(data)), '\n')

	var onPruning func()
	if match, ok := DetectLast(data); ok {
		dataCopy := append([]byte(nil), data...)
		matchCopy := match
		timeCopy := t
		onPruning = func() {
			w.mu.Lock()
			handler := w.onPrune
			eventStart := w.written.Load() - int64(len(line))
			w.mu.Unlock()
			if handler == nil {
				return
			}
			offset := SequenceFileOffset(eventStart, timeCopy, dataCopy, matchCopy.StartIndex, matchCopy.Len)
			handler(matchCopy.Sequence, offset)
		}
	}

	w.enqueue(line, onPruning)
}

// WriteInput enqueues an "i" event.
func (w *Writer) WriteInput(data []byte) {
	line := append(encodeTuple(w.elapsed(), KindInput, string(data)), '\n')
	w.enqueue(line, nil)
}

// WriteResize enqueues a "r" event and remembers the geometry for the
// next header rewrite (truncation / reconciliation).
func (w *Writer) WriteResize(cols, rows int) {
	w.mu.Lock()
	w.lastCols, w.lastRows = cols, rows
	w.mu.Unlock()
	data := fmt.Sprintf("%dx%d", cols, rows)
	line := append(encodeTuple(w.elapsed(), KindResize, data), '\n')
	w.enqueue(line, nil)
}

// WriteMarker enqueues a "m" event (used by the truncator's injected
// marker and available to callers for arbitrary annotations).
func (w *Writer) WriteMarker(text string) {
	line := append(encodeTuple(w.elapsed(), KindMarker, text), '\n')
	w.enqueue(line, nil)
}

// WriteExit enqueues the terminal "exit" event.
func (w *Writer) WriteExit(code int) {
	line := append(encodeTuple(w.elapsed(), KindExit, fmt.Sprintf("%d", code)), '\n')
	w.enqueue(line, nil)
}

func (w *Writer) enqueue(line []byte, onPruning func()) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, queuedLine{data: line, onPruning: onPruning})
	w.mu.Unlock()
	w.pending.Add(int64(len(line)))

	select {
	case w.notEmpty <- struct{}{}:
	default:
	}
}

// run is the single writer goroutine: drains the queue, runs the
// periodic size check, and exits on Close.
func (w *Writer) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.limits.CastSizeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			w.drainQueue()
			return
		case <-w.notEmpty:
			w.drainQueue()
		case <-ticker.C:
			w.drainQueue()
			w.maybeTruncate()
		}
	}
}

func (w *Writer) drainQueue() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if err := w.writeRaw(item.data); err != nil {
			w.mu.Lock()
			w.closeErr = err
			w.mu.Unlock()
			w.logger.Error("journal: write failed", "path", w.path, "error", err)
			continue
		}
		w.pending.Add(-int64(len(item.data)))
		if item.onPruning != nil {
			item.onPruning()
		}
	}
}

// writeRaw writes and flushes bytes directly to the file, updating the
// written counter only as bytes actually land on disk.
func (w *Writer) writeRaw(data []byte) error {
	if w.w == nil {
		return fmt.Errorf("journal: writer closed")
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	w.written.Add(int64(len(data)))
	return nil
}

// maybeTruncate implements the size-bounded truncation policy (§4.2):
// drain first (done by caller), then if over budget, truncate in
// memory for files under 50MiB or via the streaming truncator above
// that.
func (w *Writer) maybeTruncate() {
	size := w.written.Load()
	if size <= w.limits.MaxCastSize {
		return
	}

	w.mu.Lock()
	cols, rows := w.lastCols, w.lastRows
	w.mu.Unlock()

	if err := w.truncateLocked(cols, rows); err != nil {
		w.logger.Warn("journal: truncation attempt failed, will retry next tick", "path", w.path, "error", err)
	}
}

func (w *Writer) truncateLocked(cols, rows int) error {
	if w.w != nil {
		w.w.Flush()
	}
	if w.f != nil {
		w.f.Close()
	}

	var removed int
	var err error
	size := w.written.Load()

	if size < w.limits.StreamingThreshold {
		removed, err = inMemoryTruncate(w.path, w.limits.MaxCastSize, w.limits.CastTruncationTargetPercentage)
	} else {
		tmp := w.path + ".trunc.tmp"
		err = StreamTruncate(w.path, tmp, w.limits.MaxCastSize, w.limits.CastTruncationTargetPercentage)
		if err == nil {
			err = os.Rename(tmp, w.path)
		}
	}

	f, openErr := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0644)
	if openErr != nil {
		return openErr
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	if info, statErr := f.Stat(); statErr == nil {
		w.written.Store(info.Size())
	}

	if err != nil {
		return err
	}
	_ = removed
	return nil
}

// Position reports written/pending/total byte counts.
func (w *Writer) Position() Position {
	written := w.written.Load()
	pending := w.pending.Load()
	return Position{Written: written, Pending: pending, Total: written + pending}
}

// IsOpen reports whether the writer can still accept writes.
func (w *Writer) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && w.closeErr == nil
}

// Close drains the queue, flushes, stops the background goroutine, and
// releases the file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.doneCh

	if w.w != nil {
		w.w.Flush()
	}
	if w.f != nil {
		return w.f.Close()
	}
	return nil
}
