package journal

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func readAllLines(t *testing.T, path string) [][]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	lines := splitLines(data)
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func TestWriterWritesHeaderAndEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	w, err := Open(path, 80, 24, "bash", "session", map[string]string{"TERM": "xterm"}, DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	w.WriteOutput([]byte("hello\n"))
	w.WriteExit(0)
	w.Close()

	lines := readAllLines(t, path)
	if len(lines) < 3 {
		t.Fatalf("expected header + 2 events, got %d lines", len(lines))
	}

	header, err := DecodeHeader(lines[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if header.Width != 80 || header.Height != 24 {
		t.Fatalf("unexpected header: %+v", header)
	}

	ev1, err := DecodeLine(lines[1])
	if err != nil {
		t.Fatalf("decode event 1: %v", err)
	}
	if ev1.Kind != KindOutput || ev1.Data != "hello\n" {
		t.Fatalf("unexpected event: %+v", ev1)
	}

	last, err := DecodeLine(lines[len(lines)-1])
	if err != nil {
		t.Fatalf("decode exit event: %v", err)
	}
	if last.Kind != KindExit || last.Data != "0" {
		t.Fatalf("unexpected exit event: %+v", last)
	}
}

func TestWriterPruningCallbackOffsetIsExact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	w, err := Open(path, 80, 24, "bash", "s", nil, DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	offsetCh := make(chan int64, 1)
	w.OnPruningSequence(func(seq Sequence, offset int64) {
		offsetCh <- offset
	})

	payload := strings.Repeat("A", 20) + "\x1b[3J" + strings.Repeat("B", 10)
	w.WriteOutput([]byte(payload))

	var offset int64
	select {
	case offset = <-offsetCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("pruning callback never fired")
	}

	w.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open for verification: %v", err)
	}
	defer f.Close()

	all, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if int(offset) > len(all) {
		t.Fatalf("offset %d beyond file size %d", offset, len(all))
	}

	tail := all[offset:]
	if bytes.HasPrefix(tail, []byte("A")) {
		t.Fatalf("offset should point past the pruning sequence, not into the leading A's")
	}
	if !bytes.Contains(tail, []byte("BBBBBBBBBB")) {
		t.Fatalf("tail from offset should still contain the B run: %q", tail)
	}

	// The bytes before offset must start with a valid header line.
	head := all[:offset]
	sc := bufio.NewScanner(bytes.NewReader(head))
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			if _, err := DecodeHeader(line); err != nil {
				t.Fatalf("prefix header invalid: %v", err)
			}
			first = false
			continue
		}
	}
}

func TestWriterTruncatesWhenOverLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	limits := Limits{
		MaxCastSize:                    1024,
		CastSizeCheckInterval:          20 * time.Millisecond,
		CastTruncationTargetPercentage: 0.8,
		StreamingThreshold:             50 * 1024 * 1024,
	}

	w, err := Open(path, 80, 24, "bash", "s", nil, limits, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	for i := 0; i < 100; i++ {
		w.WriteOutput([]byte(strings.Repeat("x", 90) + " Event " + itoa(i) + "\n"))
	}

	waitForCondition(t, 3*time.Second, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && int64(len(data)) <= limits.MaxCastSize && bytes.Contains(data, []byte("Event 99"))
	})

	w.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > limits.MaxCastSize {
		t.Fatalf("file size %d exceeds max %d", info.Size(), limits.MaxCastSize)
	}

	lines := readAllLines(t, path)
	if _, err := DecodeHeader(lines[0]); err != nil {
		t.Fatalf("first line must be a valid header: %v", err)
	}

	markerCount := 0
	var lastDataEvent string
	for _, l := range lines[1:] {
		ev, err := DecodeLine(l)
		if err != nil {
			continue
		}
		if ev.Kind == KindMarker && strings.Contains(ev.Data, "Truncated") {
			markerCount++
		}
		if ev.Kind == KindOutput {
			lastDataEvent = ev.Data
		}
	}
	if markerCount != 1 {
		t.Fatalf("expected exactly one truncation marker, found %d", markerCount)
	}
	if !strings.Contains(lastDataEvent, "Event 99") {
		t.Fatalf("expected last kept event to mention Event 99, got %q", lastDataEvent)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
