// Command vibetunneld is the long-running server process described in
// §4: it owns the session directory tree, the Cast Output Hub, the
// event bus, and the HTTP/WS surface clients talk to. It spawns one
// forwarder process per session rather than owning any PTY itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/vibetunnel/internal/authz"
	"github.com/vibetunnel/vibetunnel/internal/cast"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/eventbus"
	"github.com/vibetunnel/vibetunnel/internal/federation"
	"github.com/vibetunnel/vibetunnel/internal/httpapi"
	"github.com/vibetunnel/vibetunnel/internal/session"
	"github.com/vibetunnel/vibetunnel/internal/snapshot"
	"github.com/vibetunnel/vibetunnel/internal/spawner"
	"github.com/vibetunnel/vibetunnel/internal/wsserver"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listenAddr    string
		controlDir    string
		hqMode        bool
		hqURL         string
		hqName        string
		selfURL       string
		forwarderPath string
	)

	cmd := &cobra.Command{
		Use:     "vibetunneld",
		Short:   "Run the vibetunnel session server",
		Version: Version,
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "address to bind (overrides config/VIBETUNNEL_LISTEN_ADDR)")
	cmd.Flags().StringVar(&controlDir, "control-dir", "", "session control root (overrides config/VIBETUNNEL_CONTROL_DIR)")
	cmd.Flags().BoolVar(&hqMode, "hq-mode", false, "run as a federation HQ, accepting remote registrations (§4.12)")
	cmd.Flags().StringVar(&hqURL, "hq-url", "", "HQ to register with in remote mode")
	cmd.Flags().StringVar(&hqName, "hq-name", "", "this server's name, as announced to the HQ")
	cmd.Flags().StringVar(&selfURL, "self-url", "", "this server's own reachable URL, advertised to the HQ in remote mode")
	cmd.Flags().StringVar(&forwarderPath, "forwarder-path", "", "path to the forwarder binary (default: alongside this executable)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(options{
			listenAddr:    listenAddr,
			controlDir:    controlDir,
			hqMode:        hqMode,
			hqURL:         hqURL,
			hqName:        hqName,
			selfURL:       selfURL,
			forwarderPath: forwarderPath,
		})
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vibetunneld: %v\n", err)
		return 1
	}
	return 0
}

// options collects the CLI overrides layered on top of config.Load's
// file/environment result.
type options struct {
	listenAddr    string
	controlDir    string
	hqMode        bool
	hqURL         string
	hqName        string
	selfURL       string
	forwarderPath string
}

func runServer(opts options) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}
	if opts.controlDir != "" {
		cfg.ControlDir = opts.controlDir
	}
	if opts.hqMode {
		cfg.HQMode = true
	}
	if opts.hqURL != "" {
		cfg.HQURL = opts.hqURL
	}
	if opts.hqName != "" {
		cfg.HQName = opts.hqName
	}

	if err := os.MkdirAll(cfg.ControlDir, 0700); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}

	fwPath := opts.forwarderPath
	if fwPath == "" {
		fwPath = defaultForwarderPath()
	}

	sessions := session.NewManager(cfg.ControlDir)
	hub := cast.NewHub(sessions, logger)
	hub.SetSnapshotRenderer(snapshot.Render)
	bus := eventbus.New()
	dispatcher := wsserver.NewIPCDispatcher(sessions)
	defer dispatcher.Close()

	var authorizer authz.Authorizer = authz.AllowAll{}
	if cfg.AuthToken != "" {
		authorizer = authz.BearerToken{Token: cfg.AuthToken}
	}

	httpOpts := httpapi.Options{
		Sessions:   sessions,
		Hub:        hub,
		Dispatcher: dispatcher,
		Bus:        bus,
		Spawner:    spawner.New(fwPath),
		Logger:     logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fedClient *federation.Client
	if cfg.HQMode {
		httpOpts.Registry = federation.NewRegistry()
		httpOpts.Proxy = federation.NewProxy(httpOpts.Registry)
		logger.Info("vibetunneld: running as federation HQ")
	} else if cfg.HQURL != "" {
		self := opts.selfURL
		if self == "" {
			self = guessSelfURL(cfg.ListenAddr)
		}
		fedClient = federation.NewClient(cfg.HQURL, cfg.HQName, self)
		go fedClient.Run(ctx)
		logger.Info("vibetunneld: running in remote mode", "hq_url", cfg.HQURL, "name", cfg.HQName, "self_url", self)
	}

	httpServer := httpapi.NewServer(httpOpts)

	wsOpts := wsserver.Options{
		Hub:        hub,
		Dispatcher: dispatcher,
		Bus:        bus,
		Authorizer: authorizer,
		Logger:     logger,
	}
	ws := wsserver.NewServer(wsOpts)

	mux := http.NewServeMux()
	httpServer.RegisterRoutes(mux)
	mux.HandleFunc("GET /ws", ws.HandleWS)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.RequestLogger(logger, mux),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("vibetunneld: received shutdown signal")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("vibetunneld: graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("vibetunneld: listening", "addr", cfg.ListenAddr, "control_dir", cfg.ControlDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// defaultForwarderPath assumes the forwarder binary is installed next
// to this one, the layout `go install ./cmd/...` produces.
func defaultForwarderPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "forwarder"
	}
	return filepath.Join(filepath.Dir(exe), "forwarder")
}

// guessSelfURL builds a best-effort advertisable URL from a bind
// address like ":4020" or "0.0.0.0:4020". Operators behind NAT or a
// reverse proxy should pass --self-url explicitly instead.
func guessSelfURL(listenAddr string) string {
	host, port, ok := strings.Cut(listenAddr, ":")
	if host == "" || host == "0.0.0.0" {
		if ok {
			host = "localhost"
		}
	}
	if !ok {
		return "http://" + listenAddr
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

// newLogger logs to stderr at info level, or debug under
// VIBETUNNEL_VERBOSITY=debug, matching the forwarder's convention.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("VIBETUNNEL_VERBOSITY"), "debug") {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
