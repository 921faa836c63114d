// Package forwarder hosts the per-session forwarder process: it owns the
// session directory, the PTY, and the journal, and serves IPC frames to
// whichever server happens to be listening at any given moment (§4.6).
package forwarder

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/journal"
	"github.com/vibetunnel/vibetunnel/internal/ptyproc"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// Exit codes per §6/§7: the child's own code on clean exit, otherwise one
// of these sentinels for a forwarder-level failure.
const (
	ExitBadArgs            = 64
	ExitDirectoryUnavailable = 69
	ExitPTYFailure         = 70
)

// Options configures a single forwarder invocation.
type Options struct {
	SessionID   string
	Command     []string
	Dir         string
	Cols, Rows  int
	Env         []string // full environment to pass to the child (already sanitized)
	EnvSnapshot session.EnvSnapshot
	Name        string
	ControlRoot string
	Logger      *slog.Logger
}

// Forwarder runs one session end to end: create the directory, spawn the
// PTY, serve IPC, and report how the process should exit.
type Forwarder struct {
	opts     Options
	logger   *slog.Logger
	sessions *session.Manager
	paths    session.Paths

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New builds a Forwarder for opts. It does not touch the filesystem yet;
// call Run to do that.
func New(opts Options) *Forwarder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Forwarder{
		opts:     opts,
		logger:   opts.Logger,
		sessions: session.NewManager(opts.ControlRoot),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Run drives the forwarder's entire lifecycle and returns the process exit
// code the caller (cmd/forwarder) should use, per §6's contract.
func (f *Forwarder) Run() int {
	if len(f.opts.Command) == 0 {
		f.logger.Error("forwarder: empty command")
		return ExitBadArgs
	}

	record := &session.Record{
		Name:       f.opts.Name,
		Command:    f.opts.Command,
		WorkingDir: f.opts.Dir,
		Env:        f.opts.EnvSnapshot,
		Cols:       f.opts.Cols,
		Rows:       f.opts.Rows,
		StartedAt:  time.Now(),
		Status:     session.StatusStarting,
	}

	paths, err := f.sessions.Create(f.opts.SessionID, record)
	if err != nil {
		f.logger.Error("forwarder: create session directory", "error", err)
		return ExitDirectoryUnavailable
	}
	f.paths = paths

	writer, err := journal.Open(paths.Stdout, f.opts.Cols, f.opts.Rows, joinCommand(f.opts.Command), f.opts.Name, nil, journal.DefaultLimits(), f.logger)
	if err != nil {
		f.logger.Error("forwarder: open journal", "error", err)
		return ExitDirectoryUnavailable
	}
	defer writer.Close()

	if err := f.listen(paths.IPCSocket); err != nil {
		f.logger.Error("forwarder: listen on ipc socket", "error", err)
		return ExitDirectoryUnavailable
	}
	defer f.closeListener()

	proc, err := ptyproc.Spawn(ptyproc.SpawnConfig{
		Command: f.opts.Command,
		Dir:     f.opts.Dir,
		Env:     f.opts.Env,
		Cols:    f.opts.Cols,
		Rows:    f.opts.Rows,
	}, writer, f.logger)
	if err != nil {
		f.logger.Error("forwarder: spawn pty", "error", err)
		return ExitPTYFailure
	}

	record.Status = session.StatusRunning
	record.PID = proc.PID()
	if err := f.sessions.Save(f.opts.SessionID, record); err != nil {
		f.logger.Warn("forwarder: save running record", "error", err)
	}

	go f.acceptLoop(proc)

	info := <-proc.ExitChan()

	record.Status = session.StatusExited
	code := info.Code
	record.ExitCode = &code
	if err := f.sessions.Save(f.opts.SessionID, record); err != nil {
		f.logger.Warn("forwarder: save exited record", "error", err)
	}

	return info.Code
}

// joinCommand renders argv as the journal Header's human-readable Command
// string. The full argv is still preserved separately in session.Record, so
// this only needs to be legible, not re-parseable.
func joinCommand(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return strings.Join(argv, " ")
}

// listen creates the IPC Unix socket, mode 0600 per §6, removing any stale
// socket file left behind by a previous forwarder for this session id.
func (f *Forwarder) listen(path string) error {
	os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("forwarder: listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return fmt.Errorf("forwarder: chmod ipc socket: %w", err)
	}

	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
	return nil
}

func (f *Forwarder) closeListener() {
	f.mu.Lock()
	l := f.listener
	conns := make([]net.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	os.Remove(f.paths.IPCSocket)
}

// acceptLoop accepts IPC connections from the server for the lifetime of
// the session. The server may connect and disconnect freely (§4.6); each
// connection gets its own handler goroutine.
func (f *Forwarder) acceptLoop(proc *ptyproc.Process) {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}

		f.mu.Lock()
		f.conns[conn] = struct{}{}
		f.mu.Unlock()

		go func() {
			defer func() {
				f.mu.Lock()
				delete(f.conns, conn)
				f.mu.Unlock()
				conn.Close()
			}()
			serveIPCConn(conn, proc, f.logger)
		}()
	}
}

// ErrClosed is the error value for a closed forwarder; no function in
// this package returns it.
var ErrClosed = errors.New("forwarder: closed")
