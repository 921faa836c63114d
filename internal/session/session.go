// Package session manages the on-disk layout of a VibeTunnel session: one
// directory per session holding its metadata file, journal, and IPC socket.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// TitleMode controls how the forwarder derives the terminal title.
type TitleMode string

const (
	TitleModeNone    TitleMode = "none"
	TitleModeFilter  TitleMode = "filter"
	TitleModeStatic  TitleMode = "static"
	TitleModeDynamic TitleMode = "dynamic"
)

// EnvSnapshot captures the recognized subset of environment the forwarder
// cares about, per §3.
type EnvSnapshot struct {
	Term           string    `json:"term"`
	PathAdditions  []string  `json:"pathAdditions,omitempty"`
	TitleMode      TitleMode `json:"titleMode"`
}

// Record is the SessionRecord described in spec §3: one per session,
// created at spawn, mutated by lifecycle and rename, destroyed by
// explicit cleanup.
type Record struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Command         []string    `json:"command"`
	WorkingDir      string      `json:"workingDir"`
	Env             EnvSnapshot `json:"envSnapshot"`
	Cols            int         `json:"cols"`
	Rows            int         `json:"rows"`
	StartedAt       time.Time   `json:"startedAt"`
	Status          Status      `json:"status"`
	ExitCode        *int        `json:"exitCode,omitempty"`
	LastClearOffset int64       `json:"lastClearOffset"`
	PID             int         `json:"pid,omitempty"`
	RemoteID        string      `json:"remoteId,omitempty"`
}

// Paths holds the well-known file paths within a session's directory.
type Paths struct {
	Dir        string
	RecordFile string
	Stdout     string
	IPCSocket  string
	Stdin      string
	ForwarderLog string
}

// Manager owns the session control root and mediates all directory and
// metadata-file operations for sessions under it. Mirrors the teacher's
// single atomic-replace discipline for its config file, generalized to
// one file per session.
type Manager struct {
	root string
	mu   sync.Mutex
}

// NewManager returns a Manager rooted at root (typically
// ~/.vibetunnel/control).
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the control root directory.
func (m *Manager) Root() string {
	return m.root
}

// GetPaths returns the well-known paths for a session ID without
// touching the filesystem.
func (m *Manager) GetPaths(id string) Paths {
	dir := filepath.Join(m.root, id)
	return Paths{
		Dir:          dir,
		RecordFile:   filepath.Join(dir, "session.json"),
		Stdout:       filepath.Join(dir, "stdout"),
		IPCSocket:    filepath.Join(dir, "ipc.sock"),
		Stdin:        filepath.Join(dir, "stdin"),
		ForwarderLog: filepath.Join(dir, "fwd.log"),
	}
}

// NewID returns a fresh globally unique, URL-safe session identifier.
func NewID() string {
	return uuid.New().String()
}

// Create makes the session directory and writes the initial record,
// with its ID set to id and its status as the caller gave it. Returns
// the record's paths for the caller to use.
func (m *Manager) Create(id string, record *Record) (Paths, error) {
	paths := m.GetPaths(id)

	if err := os.MkdirAll(paths.Dir, 0755); err != nil {
		return Paths{}, fmt.Errorf("session: create directory: %w", err)
	}

	record.ID = id
	if err := m.Save(id, record); err != nil {
		os.RemoveAll(paths.Dir)
		return Paths{}, err
	}

	return paths, nil
}

// Save writes record to session.json atomically (temp file + rename),
// matching the on-disk discipline spec §3 requires for concurrent
// readers: whole-file replace, never a partial write observable by a
// tailing reader.
func (m *Manager) Save(id string, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := m.GetPaths(id)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal record: %w", err)
	}

	tmp := paths.RecordFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("session: write temp record: %w", err)
	}
	if err := os.Rename(tmp, paths.RecordFile); err != nil {
		return fmt.Errorf("session: rename record into place: %w", err)
	}
	return nil
}

// Load reads and parses the session.json for id.
func (m *Manager) Load(id string) (*Record, error) {
	paths := m.GetPaths(id)
	data, err := os.ReadFile(paths.RecordFile)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("session: unmarshal record %s: %w", id, err)
	}
	return &record, nil
}

// UpdateName loads the record for id, sets its Name, and saves it back.
// Rename is the one field the server (rather than the forwarder) may
// mutate; per §3's single-writer-per-field discipline this still goes
// through the same atomic whole-file replace.
func (m *Manager) UpdateName(id, name string) error {
	record, err := m.Load(id)
	if err != nil {
		return err
	}
	record.Name = name
	return m.Save(id, record)
}

// List returns the records of every session directory under root that
// has a readable session.json. Malformed or missing records are
// skipped rather than failing the whole listing.
func (m *Manager) List() ([]*Record, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list control root: %w", err)
	}

	var records []*Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		record, err := m.Load(e.Name())
		if err != nil {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

// Cleanup removes a session's entire directory. Per §4.4's invariant,
// callers must only do this for sessions already in status=exited.
func (m *Manager) Cleanup(id string) error {
	return os.RemoveAll(m.GetPaths(id).Dir)
}

// IsAlive reports whether the session's directory and record indicate a
// live, reachable forwarder: status=running and ipc.sock present.
func (m *Manager) IsAlive(id string) bool {
	record, err := m.Load(id)
	if err != nil || record.Status != StatusRunning {
		return false
	}
	paths := m.GetPaths(id)
	if _, err := os.Stat(paths.IPCSocket); err != nil {
		return false
	}
	return true
}
