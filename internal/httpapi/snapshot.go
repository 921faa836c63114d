package httpapi

import (
	"time"

	"github.com/vibetunnel/vibetunnel/internal/cast"
	"github.com/vibetunnel/vibetunnel/internal/snapshot"
)

// snapshotWait bounds how long textSession waits for the Hub's replay
// buffer to deliver a session's accumulated output. Sessions already
// running deliver their backlog synchronously on subscribe; this only
// matters for a reader that hasn't finished its first pass yet.
const snapshotWait = 500 * time.Millisecond

// snapshotText renders the current screen as plain text by subscribing
// to the session's cast.Hub reader just long enough to collect its
// replay buffer — the output observed since the last pruning checkpoint
// — then running it through the charmbracelet/x/vt emulator via
// snapshot.Text. cols/rows are the
// SessionRecord's last known geometry, used until a Header or Resize
// event (if any arrives in time) reports something more current.
func (s *Server) snapshotText(sessionID string, cols, rows int) (string, error) {
	sub := s.hub.Subscribe(sessionID, cast.SubscribeOptions{WantsStdout: true})
	defer sub.Close()

	var cumulative []byte
	deadline := time.After(snapshotWait)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return snapshot.Text(cumulative, cols, rows), nil
			}
			switch ev.Kind {
			case cast.KindHeader:
				if ev.Header.Width > 0 {
					cols = ev.Header.Width
				}
				if ev.Header.Height > 0 {
					rows = ev.Header.Height
				}
			case cast.KindOutput:
				cumulative = append(cumulative, ev.Data...)
			case cast.KindResize:
				cols, rows = ev.Cols, ev.Rows
			case cast.KindExit, cast.KindError:
				return snapshot.Text(cumulative, cols, rows), nil
			}
		case <-deadline:
			return snapshot.Text(cumulative, cols, rows), nil
		}
	}
}
