package forwarder

import (
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/frame"
	"github.com/vibetunnel/vibetunnel/internal/journal"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

func waitForStatus(t *testing.T, mgr *session.Manager, id string, want session.Status, timeout time.Duration) *session.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if record, err := mgr.Load(id); err == nil && record.Status == want {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach status %q in time", id, want)
	return nil
}

// TestSimpleRunExitsWithChildCode covers S1: a short-lived command runs to
// completion, the session record reflects its exit code, and the journal
// captures its output.
func TestSimpleRunExitsWithChildCode(t *testing.T) {
	root := t.TempDir()
	id := session.NewID()

	fw := New(Options{
		SessionID:   id,
		Command:     []string{"/bin/sh", "-c", "echo hello-from-child; exit 7"},
		Dir:         root,
		Cols:        80,
		Rows:        24,
		Env:         SanitizedEnv(nil, "xterm-256color"),
		ControlRoot: root,
	})

	code := fw.Run()
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}

	mgr := session.NewManager(root)
	record, err := mgr.Load(id)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Status != session.StatusExited {
		t.Fatalf("status = %q, want exited", record.Status)
	}
	if record.ExitCode == nil || *record.ExitCode != 7 {
		t.Fatalf("exit code in record = %v, want 7", record.ExitCode)
	}

	paths := mgr.GetPaths(id)
	data, err := os.ReadFile(paths.Stdout)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if !strings.Contains(string(data), "hello-from-child") {
		t.Fatalf("journal missing child output: %s", data)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if _, err := journal.DecodeHeader([]byte(lines[0])); err != nil {
		t.Fatalf("first line is not a valid header: %v", err)
	}
	last, err := journal.DecodeLine([]byte(lines[len(lines)-1]))
	if err != nil {
		t.Fatalf("decode last line: %v", err)
	}
	if last.Kind != journal.KindExit || last.Data != "7" {
		t.Fatalf("last event = %+v, want exit/7", last)
	}

	if _, err := os.Stat(paths.IPCSocket); !os.IsNotExist(err) {
		t.Fatalf("expected ipc socket to be removed after exit")
	}
}

// dialIPC connects to the forwarder's Unix socket, retrying briefly since
// the listener comes up asynchronously relative to the test goroutine.
func dialIPC(t *testing.T, path string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial ipc socket: %v", lastErr)
	return nil
}

func sendFrame(t *testing.T, conn net.Conn, f frame.Frame) {
	t.Helper()
	data, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// TestIPCReconnectSurvivesServerDisconnect covers S6: the server connection
// to the forwarder's IPC socket can drop and reconnect without disturbing
// the running session; input delivered after reconnect still reaches the
// child and lands in the journal.
func TestIPCReconnectSurvivesServerDisconnect(t *testing.T) {
	root := t.TempDir()
	id := session.NewID()

	fw := New(Options{
		SessionID:   id,
		Command:     []string{"/bin/sh", "-c", "cat"},
		Dir:         root,
		Cols:        80,
		Rows:        24,
		Env:         SanitizedEnv(nil, "xterm-256color"),
		ControlRoot: root,
	})

	done := make(chan int, 1)
	go func() { done <- fw.Run() }()

	mgr := session.NewManager(root)
	waitForStatus(t, mgr, id, session.StatusRunning, 2*time.Second)
	paths := mgr.GetPaths(id)

	// First "server" connects, sends input, then disconnects abruptly
	// (simulating a server restart) without telling the forwarder.
	first := dialIPC(t, paths.IPCSocket)
	sendFrame(t, first, frame.Frame{Type: frame.TypeInputText, SessionID: id, Payload: []byte("before-reconnect\n")})
	time.Sleep(50 * time.Millisecond)
	first.Close()

	// A fresh connection picks up where the old one left off; the PTY
	// and journal were never affected by the disconnect.
	second := dialIPC(t, paths.IPCSocket)
	sendFrame(t, second, frame.Frame{Type: frame.TypeInputText, SessionID: id, Payload: []byte("after-reconnect\n")})
	sendFrame(t, second, frame.Frame{Type: frame.TypeSignal, SessionID: id, Payload: frame.EncodeSignal(15)}) // SIGTERM
	defer second.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("forwarder did not exit after SIGTERM")
	}

	record, err := mgr.Load(id)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Status != session.StatusExited {
		t.Fatalf("status = %q, want exited", record.Status)
	}

	data, err := os.ReadFile(paths.Stdout)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if !strings.Contains(string(data), "before-reconnect") {
		t.Fatalf("journal missing input sent before reconnect: %s", data)
	}
	if !strings.Contains(string(data), "after-reconnect") {
		t.Fatalf("journal missing input sent after reconnect: %s", data)
	}
}

// TestRunFailsWithBadArgsExitCode covers the §6 exit-code contract for an
// empty command.
func TestRunFailsWithBadArgsExitCode(t *testing.T) {
	root := t.TempDir()
	fw := New(Options{
		SessionID:   session.NewID(),
		Command:     nil,
		Dir:         root,
		ControlRoot: root,
	})
	if code := fw.Run(); code != ExitBadArgs {
		t.Fatalf("exit code = %d, want %d", code, ExitBadArgs)
	}
}

// TestRunFailsWithDirectoryUnavailableExitCode covers the §6 exit-code
// contract when the control root cannot be created (e.g. it collides with
// an existing regular file).
func TestRunFailsWithDirectoryUnavailableExitCode(t *testing.T) {
	root := t.TempDir()
	blocked := root + "/blocked-file"
	if err := os.WriteFile(blocked, []byte("x"), 0600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	fw := New(Options{
		SessionID:   session.NewID(),
		Command:     []string{"/bin/sh", "-c", "true"},
		Dir:         root,
		ControlRoot: blocked + "/nested",
	})
	if code := fw.Run(); code != ExitDirectoryUnavailable {
		t.Fatalf("exit code = %d, want %d", code, ExitDirectoryUnavailable)
	}
}
