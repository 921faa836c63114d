// Command forwarder is the per-session process described in §4.6: it owns
// one PTY, one journal, and one IPC socket for exactly as long as its
// child command runs.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/vibetunnel/internal/forwarder"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		sessionID   string
		dir         string
		cols        int
		rows        int
		envNames    []string
		titleMode   string
		name        string
		controlRoot string
	)

	cmd := &cobra.Command{
		Use:                   "forwarder --session-id <id> [flags] -- <argv...>",
		Short:                 "Run a command under a PTY, journaling its output for vibetunneld",
		SilenceUsage:          true,
		SilenceErrors:         true,
		DisableFlagsInUseLine: true,
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id (required; typically a fresh UUID)")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for the child (default: current directory)")
	cmd.Flags().IntVar(&cols, "cols", 80, "initial terminal width")
	cmd.Flags().IntVar(&rows, "rows", 24, "initial terminal height")
	cmd.Flags().StringSliceVar(&envNames, "env", nil, "names of environment variables to inherit from the caller, beyond the always-carried set")
	cmd.Flags().StringVar(&titleMode, "title-mode", string(session.TitleModeNone), "terminal title derivation: none|filter|static|dynamic")
	cmd.Flags().StringVar(&name, "name", "", "human-readable session name")
	cmd.Flags().StringVar(&controlRoot, "control-dir", defaultControlRoot(), "session control root (overrides VIBETUNNEL_CONTROL_DIR)")

	var exitCode int
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		command := commandArgv(cmd, args)
		if sessionID == "" || len(command) == 0 {
			fmt.Fprintln(os.Stderr, "forwarder: --session-id and a command after -- are required")
			exitCode = forwarder.ExitBadArgs
			return nil
		}

		mode := session.TitleMode(titleMode)
		switch mode {
		case session.TitleModeNone, session.TitleModeFilter, session.TitleModeStatic, session.TitleModeDynamic:
		default:
			fmt.Fprintf(os.Stderr, "forwarder: unknown title mode %q\n", titleMode)
			exitCode = forwarder.ExitBadArgs
			return nil
		}

		if dir == "" {
			if wd, err := os.Getwd(); err == nil {
				dir = wd
			}
		}

		term := os.Getenv("TERM")
		if term == "" {
			term = "xterm-256color"
		}

		fw := forwarder.New(forwarder.Options{
			SessionID: sessionID,
			Command:   command,
			Dir:       dir,
			Cols:      cols,
			Rows:      rows,
			Env:       forwarder.SanitizedEnv(envNames, term),
			EnvSnapshot: session.EnvSnapshot{
				Term:      term,
				TitleMode: mode,
			},
			Name:        name,
			ControlRoot: controlRoot,
			Logger:      logger,
		})

		exitCode = fw.Run()
		return nil
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "forwarder: %v\n", err)
		return forwarder.ExitBadArgs
	}
	return exitCode
}

// commandArgv extracts the child command: everything after the literal
// "--" on the invocation line. Without a "--", there is no command.
func commandArgv(cmd *cobra.Command, args []string) []string {
	idx := cmd.ArgsLenAtDash()
	if idx < 0 {
		return nil
	}
	return args[idx:]
}

func defaultControlRoot() string {
	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vibetunnel/control"
	}
	return filepath.Join(home, ".vibetunnel", "control")
}

// newLogger logs to stderr rather than the TUI-safe log file the teacher
// uses, since a forwarder has no terminal of its own to protect; verbosity
// follows VIBETUNNEL_VERBOSITY per §6.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("VIBETUNNEL_VERBOSITY"), "debug") {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
