// Package wsserver implements the Control/WS Transport (§4.11): the
// browser-facing WebSocket endpoint that carries the same framing as
// the forwarder<->server Unix sockets (internal/frame), routing
// session control frames to the Cast Output Hub and the forwarder
// dispatcher.
package wsserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibetunnel/vibetunnel/internal/authz"
	"github.com/vibetunnel/vibetunnel/internal/cast"
	"github.com/vibetunnel/vibetunnel/internal/eventbus"
)

// heartbeatInterval and heartbeatMisses implement §5's liveness rule:
// two missed heartbeats terminate the connection and all of its
// subscriptions.
const (
	heartbeatInterval = 30 * time.Second
	heartbeatMisses   = 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the process-wide /ws endpoint.
type Server struct {
	hub        *cast.Hub
	dispatcher Dispatcher
	bus        *eventbus.Bus
	authorizer authz.Authorizer
	logger     *slog.Logger
}

// Options configures a new Server.
type Options struct {
	Hub        *cast.Hub
	Dispatcher Dispatcher
	Bus        *eventbus.Bus
	Authorizer authz.Authorizer
	Logger     *slog.Logger
}

// NewServer wires a Server from opts, defaulting Authorizer to
// authz.AllowAll and Logger to slog.Default when unset.
func NewServer(opts Options) *Server {
	a := opts.Authorizer
	if a == nil {
		a = authz.AllowAll{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:        opts.Hub,
		dispatcher: opts.Dispatcher,
		bus:        opts.Bus,
		authorizer: a,
		logger:     logger,
	}
}

// HandleWS upgrades the request and serves the connection until it
// closes or its heartbeat lapses. Register at GET /ws.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	decision := s.authorizer.Authorize(r)
	if !decision.Allowed {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("wsserver: upgrade failed", "error", err)
		return
	}

	c := newConnection(s, conn, decision.Principal)
	c.serve()
}
