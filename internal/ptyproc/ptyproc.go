// Package ptyproc hosts the PTY lifecycle for a single session: spawn
// under a pseudo-terminal, stream output into a journal writer, accept
// input and resize/signal requests, and detect exit.
package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/vibetunnel/vibetunnel/internal/journal"
)

// ExitInfo reports how the child terminated.
type ExitInfo struct {
	Code   int
	Signal string // non-empty if the process died from a signal
}

// SpawnConfig configures a single PTY-hosted child process.
type SpawnConfig struct {
	Command []string
	Dir     string
	Env     []string // full environment passed to the child
	Cols    int
	Rows    int
}

// Process owns one PTY master, one child process, and the journal
// writer recording its output. Exactly one goroutine reads the PTY
// master (mirrors the teacher's internal/pty/session.go readerLoop);
// callers deliver input/resize/signal concurrently.
type Process struct {
	logger *slog.Logger
	writer *journal.Writer

	mu      sync.Mutex
	ptyFile *os.File
	cmd     *exec.Cmd
	cols    int
	rows    int

	readerDone chan struct{}
	exited     chan struct{} // closed once, after exitCh has been populated
	exitCh     chan ExitInfo
	exitOnce   sync.Once
}

// Spawn starts cfg.Command under a new PTY and begins streaming its
// output into w. The returned Process is live immediately; read from
// ExitChan to observe termination.
func Spawn(cfg SpawnConfig, w *journal.Writer, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Command) == 0 {
		return nil, errors.New("ptyproc: command cannot be empty")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(cfg.Rows),
		Cols: uint16(cfg.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("ptyproc: start pty: %w", err)
	}

	p := &Process{
		logger:     logger,
		writer:     w,
		ptyFile:    ptmx,
		cmd:        cmd,
		cols:       cfg.Cols,
		rows:       cfg.Rows,
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		exitCh:     make(chan ExitInfo, 1),
	}

	go p.readerLoop()
	go p.waitLoop()

	return p, nil
}

// PID returns the child process id.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// readerLoop copies PTY output into the journal writer until the PTY
// master returns an error (normally EOF once the child exits).
func (p *Process) readerLoop() {
	defer close(p.readerDone)

	buf := make([]byte, 64*1024)
	for {
		n, err := p.ptyFile.Read(buf)
		if n > 0 {
			p.writer.WriteOutput(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Warn("ptyproc: pty read error", "error", err)
			}
			return
		}
	}
}

// WriteInput writes bytes to the PTY master and records the "i" event.
func (p *Process) WriteInput(data []byte) error {
	p.mu.Lock()
	f := p.ptyFile
	p.mu.Unlock()
	if f == nil {
		return errors.New("ptyproc: pty closed")
	}
	p.writer.WriteInput(data)
	_, err := f.Write(data)
	return err
}

// Resize changes the PTY window size and records the "r" event.
func (p *Process) Resize(cols, rows int) error {
	p.mu.Lock()
	f := p.ptyFile
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	if f == nil {
		return errors.New("ptyproc: pty closed")
	}
	if err := pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("ptyproc: resize: %w", err)
	}
	p.writer.WriteResize(cols, rows)
	return nil
}

// Signal delivers sig to the child process itself (not its process
// group).
func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return errors.New("ptyproc: no child process")
	}
	return cmd.Process.Signal(sig)
}

// Size returns the last known window dimensions.
func (p *Process) Size() (cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// ExitChan reports the child's termination exactly once.
func (p *Process) ExitChan() <-chan ExitInfo {
	return p.exitCh
}

// waitLoop blocks on the child, infers an exit code per §4.5's failure
// model (nonzero if signal), writes the terminal journal event, closes
// the PTY master, and publishes ExitInfo.
func (p *Process) waitLoop() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	err := cmd.Wait()
	<-p.readerDone

	info := ExitInfo{Code: 0}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if status.Signaled() {
					info.Signal = status.Signal().String()
					info.Code = 128 + int(status.Signal())
				} else {
					info.Code = status.ExitStatus()
				}
			} else {
				info.Code = 1
			}
		} else {
			info.Code = 1
		}
	}

	p.writer.WriteExit(info.Code)

	p.mu.Lock()
	if p.ptyFile != nil {
		p.ptyFile.Close()
		p.ptyFile = nil
	}
	p.mu.Unlock()

	p.exitOnce.Do(func() {
		p.exitCh <- info
		close(p.exitCh)
		close(p.exited)
	})
}

// Kill sends SIGTERM, then escalates to SIGKILL if the process has not
// exited within the grace period. Mirrors the teacher's graceful-then-
// force shutdown in the vibetunnel PTY manager's KillSession.
func (p *Process) Kill(grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		return cmd.Process.Kill()
	}
}
