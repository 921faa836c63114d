// Package snapshot renders a compact terminal screen state from raw PTY
// output, backing both the `SnapshotVT` wire payload (§4.7) and the
// `GET /api/sessions/:id/text` HTTP endpoint (§6).
package snapshot

import (
	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Render replays cumulativeOutput (everything observed since the last
// pruning checkpoint, per §4.1/§4.9) through a scratch terminal emulator
// sized cols x rows and returns its resulting screen state as a sequence
// of ANSI bytes suitable for direct display. Its signature matches
// cast.SnapshotRenderer, so it can be wired in with
// hub.SetSnapshotRenderer(snapshot.Render) with no adapter.
func Render(cumulativeOutput []byte, cols, rows int) []byte {
	if cols <= 0 || rows <= 0 {
		return nil
	}

	emu := vt.NewEmulator(cols, rows)
	defer emu.Close()

	emu.Write(cumulativeOutput)
	return []byte(emu.Render())
}

// Text is like Render but returns plain text with styling escapes
// stripped, backing GET .../text (§6) where callers want the screen's
// textual content rather than a redisplayable snapshot.
func Text(cumulativeOutput []byte, cols, rows int) string {
	if cols <= 0 || rows <= 0 {
		return ""
	}

	emu := vt.NewEmulator(cols, rows)
	defer emu.Close()

	emu.Write(cumulativeOutput)
	return ansi.Strip(emu.Render())
}
