// Package spawner starts the per-session forwarder as a detached child
// process: the server execs the separate forwarder binary and walks
// away, so a forwarder's lifetime is never tied to the server's.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/session"
)

// Request describes one forwarder to start.
type Request struct {
	SessionID   string
	Command     []string
	Dir         string
	Cols, Rows  int
	EnvNames    []string
	TitleMode   session.TitleMode
	Name        string
	ControlRoot string
}

// Spawner starts forwarder processes by invoking a separate binary.
// ForwarderPath is typically the "forwarder" binary installed alongside
// vibetunneld; there is no fallback to re-executing vibetunneld itself.
type Spawner struct {
	ForwarderPath string
}

// New returns a Spawner that launches path for every request.
func New(path string) *Spawner {
	return &Spawner{ForwarderPath: path}
}

// Start launches the forwarder for req, detached from the server's own
// process group, and waits for its IPC socket to appear before
// returning. Mirrors the teacher's spawnEgg: exec the helper binary with
// Setsid so it survives the parent, then poll for its control socket.
func (s *Spawner) Start(req Request) (pid int, err error) {
	sessions := session.NewManager(req.ControlRoot)
	paths := sessions.GetPaths(req.SessionID)

	args := []string{
		"--session-id", req.SessionID,
		"--dir", req.Dir,
		"--cols", strconv.Itoa(req.Cols),
		"--rows", strconv.Itoa(req.Rows),
		"--control-dir", req.ControlRoot,
	}
	if req.Name != "" {
		args = append(args, "--name", req.Name)
	}
	if req.TitleMode != "" {
		args = append(args, "--title-mode", string(req.TitleMode))
	}
	for _, name := range req.EnvNames {
		args = append(args, "--env", name)
	}
	args = append(args, "--")
	args = append(args, req.Command...)

	if err := os.MkdirAll(filepath.Dir(paths.ForwarderLog), 0755); err != nil {
		return 0, fmt.Errorf("spawner: prepare session directory: %w", err)
	}

	child := exec.Command(s.ForwarderPath, args...)
	child.Dir = req.Dir
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	logFile, err := os.OpenFile(paths.ForwarderLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("spawner: open forwarder log: %w", err)
	}
	child.Stdout = logFile
	child.Stderr = logFile

	if err := child.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("spawner: start forwarder: %w", err)
	}
	logFile.Close()
	go child.Wait() // reap; the forwarder's own exit is observed via session.json, not this process's wait status

	pid = child.Process.Pid

	const (
		pollInterval = 50 * time.Millisecond
		pollAttempts = 100
	)
	for i := 0; i < pollAttempts; i++ {
		if _, statErr := os.Stat(paths.IPCSocket); statErr == nil {
			return pid, nil
		}
		time.Sleep(pollInterval)
	}
	return pid, fmt.Errorf("spawner: forwarder did not open its IPC socket in time")
}
