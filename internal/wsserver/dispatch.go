package wsserver

import (
	"fmt"
	"net"
	"sync"

	"github.com/vibetunnel/vibetunnel/internal/frame"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// Dispatcher delivers client-originated control frames (InputText,
// Resize, Signal) to the forwarder process that owns a session.
type Dispatcher interface {
	SendInput(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows int) error
	Signal(sessionID string, signal uint8) error
}

// IPCDispatcher forwards frames to the per-session Unix-domain socket
// the forwarder listens on (§4.4, §4.6, §4.7). One connection is held
// per session and reused; a write failure drops it so the next send
// redials.
type IPCDispatcher struct {
	sessions *session.Manager

	mu    sync.Mutex
	conns map[string]net.Conn
}

// NewIPCDispatcher returns a Dispatcher resolving socket paths through sessions.
func NewIPCDispatcher(sessions *session.Manager) *IPCDispatcher {
	return &IPCDispatcher{sessions: sessions, conns: make(map[string]net.Conn)}
}

func (d *IPCDispatcher) SendInput(sessionID string, data []byte) error {
	return d.send(sessionID, frame.Frame{Type: frame.TypeInputText, SessionID: sessionID, Payload: data})
}

func (d *IPCDispatcher) Resize(sessionID string, cols, rows int) error {
	payload := frame.EncodeResize(frame.ResizePayload{Cols: uint16(cols), Rows: uint16(rows)})
	return d.send(sessionID, frame.Frame{Type: frame.TypeResize, SessionID: sessionID, Payload: payload})
}

func (d *IPCDispatcher) Signal(sessionID string, signal uint8) error {
	return d.send(sessionID, frame.Frame{Type: frame.TypeSignal, SessionID: sessionID, Payload: frame.EncodeSignal(signal)})
}

func (d *IPCDispatcher) send(sessionID string, f frame.Frame) error {
	encoded, err := frame.Encode(f)
	if err != nil {
		return err
	}

	conn, err := d.connFor(sessionID)
	if err != nil {
		return err
	}

	if _, err := conn.Write(encoded); err != nil {
		d.mu.Lock()
		delete(d.conns, sessionID)
		d.mu.Unlock()
		conn.Close()
		return fmt.Errorf("wsserver: write to forwarder: %w", err)
	}
	return nil
}

func (d *IPCDispatcher) connFor(sessionID string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[sessionID]; ok {
		return conn, nil
	}

	paths := d.sessions.GetPaths(sessionID)
	conn, err := net.Dial("unix", paths.IPCSocket)
	if err != nil {
		return nil, fmt.Errorf("wsserver: dial forwarder socket: %w", err)
	}
	d.conns[sessionID] = conn
	return conn, nil
}

// Close tears down every cached connection. Called on server shutdown.
func (d *IPCDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, conn := range d.conns {
		conn.Close()
		delete(d.conns, id)
	}
}
