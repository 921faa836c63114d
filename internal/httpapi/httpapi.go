// Package httpapi implements the core HTTP surface (§6): session
// control (list/create/get/delete/input/resize/text), exited-session
// cleanup, the HQ registration endpoints, and the SSE alternative to the
// WS Event stream. It is deliberately separate from internal/wsserver,
// which owns the binary-framed /ws endpoint.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/cast"
	"github.com/vibetunnel/vibetunnel/internal/eventbus"
	"github.com/vibetunnel/vibetunnel/internal/federation"
	"github.com/vibetunnel/vibetunnel/internal/session"
	"github.com/vibetunnel/vibetunnel/internal/spawner"
	"github.com/vibetunnel/vibetunnel/internal/wsserver"
)

// Options configures a new Server.
type Options struct {
	Sessions   *session.Manager
	Hub        *cast.Hub
	Dispatcher wsserver.Dispatcher
	Bus        *eventbus.Bus
	Spawner    *spawner.Spawner

	// Registry and Proxy are non-nil only when running as a federation
	// HQ (§4.12); both nil means this server has no remotes.
	Registry *federation.Registry
	Proxy    *federation.Proxy

	Logger *slog.Logger
}

// Server holds the HTTP surface's dependencies and a small cache
// mapping session IDs observed to belong to a remote, so a direct
// single-session request doesn't need a fresh list round-trip.
type Server struct {
	sessions   *session.Manager
	hub        *cast.Hub
	dispatcher wsserver.Dispatcher
	bus        *eventbus.Bus
	spawner    *spawner.Spawner
	registry   *federation.Registry
	proxy      *federation.Proxy
	logger     *slog.Logger

	mu          sync.Mutex
	remoteOwner map[string]string
}

// NewServer wires a Server from opts, defaulting Logger to slog.Default.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions:    opts.Sessions,
		hub:         opts.Hub,
		dispatcher:  opts.Dispatcher,
		bus:         opts.Bus,
		spawner:     opts.Spawner,
		registry:    opts.Registry,
		proxy:       opts.Proxy,
		logger:      logger,
		remoteOwner: make(map[string]string),
	}
}

// RegisterRoutes registers the core HTTP surface onto mux using Go's
// method-prefixed routing patterns.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.inputSession)
	mux.HandleFunc("POST /api/sessions/{id}/resize", s.resizeSession)
	mux.HandleFunc("GET /api/sessions/{id}/text", s.textSession)
	mux.HandleFunc("POST /api/cleanup-exited", s.cleanupExited)
	mux.HandleFunc("GET /api/hq/remotes", s.hqRemotes)
	mux.HandleFunc("POST /api/hq/register", s.hqRegister)
	mux.HandleFunc("GET /events", s.events)
}

// RequestLogger wraps handler, logging method/path/status/duration at
// debug level once the request completes.
func RequestLogger(logger *slog.Logger, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		logger.Debug("httpapi: request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// writeJSON marshals v and writes it with Content-Type: application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// forwardResponse relays a federation.Response back to an HTTP client
// exactly as the remote produced it.
func forwardResponse(w http.ResponseWriter, resp federation.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// tryRemote resolves id to an owning remote (consulting the cache first,
// then probing every registered remote) and forwards method/path/body to
// it. ok is false when this server has no federation configured or no
// remote claims the session.
func (s *Server) tryRemote(id, method, path string, headers map[string]string, body []byte) (resp federation.Response, ok bool) {
	if s.registry == nil || s.proxy == nil {
		return federation.Response{}, false
	}

	s.mu.Lock()
	cachedID, cached := s.remoteOwner[id]
	s.mu.Unlock()

	if cached {
		if r, err := s.proxy.Forward(cachedID, method, path, headers, body); err == nil && r.Status != http.StatusNotFound {
			return r, true
		}
	}

	for _, remote := range s.registry.List() {
		if cached && remote.ID == cachedID {
			continue
		}
		r, err := s.proxy.Forward(remote.ID, method, path, headers, body)
		if err != nil || r.Status == http.StatusNotFound {
			continue
		}
		s.mu.Lock()
		s.remoteOwner[id] = remote.ID
		s.mu.Unlock()
		return r, true
	}
	return federation.Response{}, false
}

// rememberRemote records that id belongs to remoteID, so a later
// single-session request is routed without re-probing every remote.
func (s *Server) rememberRemote(id, remoteID string) {
	s.mu.Lock()
	s.remoteOwner[id] = remoteID
	s.mu.Unlock()
}
