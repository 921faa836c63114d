package forwarder

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/vibetunnel/vibetunnel/internal/frame"
	"github.com/vibetunnel/vibetunnel/internal/ptyproc"
)

// ipcReadBufSize is the initial read chunk size for one IPC connection;
// it grows as needed to hold a single frame per frame.maxPayloadLen.
const ipcReadBufSize = 32 * 1024

// serveIPCConn reads frames from one server connection and applies
// InputText/Resize/Signal to proc until the connection closes or sends a
// malformed frame (§4.5's input loop). A read/write error here only tears
// down this connection; the PTY and journal are unaffected (§4.5's
// failure model: a disconnected server is non-fatal to the forwarder).
func serveIPCConn(conn net.Conn, proc *ptyproc.Process, logger *slog.Logger) {
	buf := make([]byte, 0, ipcReadBufSize)
	chunk := make([]byte, ipcReadBufSize)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		for {
			f, consumed, decodeErr := frame.Decode(buf)
			if decodeErr != nil {
				if errors.Is(decodeErr, frame.ErrTruncated) {
					break
				}
				rejection := frame.RejectionFrame(decodeErr)
				if data, encErr := frame.Encode(rejection); encErr == nil {
					conn.Write(data)
				}
				return
			}

			buf = buf[consumed:]
			if err := applyFrame(f, proc); err != nil {
				logger.Warn("forwarder: apply ipc frame", "type", f.Type, "error", err)
			}
		}

		if err != nil {
			if err != io.EOF {
				logger.Debug("forwarder: ipc connection read error", "error", err)
			}
			return
		}
	}
}

// applyFrame dispatches one decoded client->forwarder frame to the PTY
// process, per §4.5's input loop.
func applyFrame(f frame.Frame, proc *ptyproc.Process) error {
	switch f.Type {
	case frame.TypeInputText:
		return proc.WriteInput(f.Payload)
	case frame.TypeResize:
		r, err := frame.DecodeResize(f.Payload)
		if err != nil {
			return err
		}
		return proc.Resize(int(r.Cols), int(r.Rows))
	case frame.TypeSignal:
		sig, err := frame.DecodeSignal(f.Payload)
		if err != nil {
			return err
		}
		return proc.Signal(signalFromByte(sig))
	case frame.TypePing:
		return nil
	default:
		return nil
	}
}

// signalFromByte maps the wire signal number (raw Unix signal number, per
// §4.7) onto an os.Signal for delivery.
func signalFromByte(b uint8) os.Signal {
	return unixSignal(int(b))
}
