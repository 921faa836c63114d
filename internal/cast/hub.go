package cast

import (
	"log/slog"
	"sync"

	"github.com/vibetunnel/vibetunnel/internal/session"
)

// Hub is the process-wide entry point for the read side: one Hub per
// server, one internal reader goroutine per actively-subscribed
// session, any number of Subscribers per reader (§4.8).
type Hub struct {
	sessions *session.Manager
	logger   *slog.Logger
	renderer SnapshotRenderer

	mu      sync.Mutex
	readers map[string]*reader
}

// NewHub returns a Hub that resolves session paths/records through
// sessions and logs via logger (slog.Default() if nil).
func NewHub(sessions *session.Manager, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: sessions,
		logger:   logger,
		readers:  make(map[string]*reader),
	}
}

// SetSnapshotRenderer wires in the terminal emulator used to produce
// SnapshotVT payloads. Readers created after this call use it; nil
// disables snapshot delivery.
func (h *Hub) SetSnapshotRenderer(r SnapshotRenderer) {
	h.mu.Lock()
	h.renderer = r
	h.mu.Unlock()
}

// Subscribe begins delivery for sessionID, starting a reader if one
// isn't already running (it will be, again, the next time every
// subscriber of an idled-out reader unsubscribes and a new one
// arrives).
func (h *Hub) Subscribe(sessionID string, opts SubscribeOptions) *Subscriber {
	h.mu.Lock()
	r, ok := h.readers[sessionID]
	if !ok {
		r = newReader(sessionID, h.sessions, h.logger, h.renderer, h.onReaderIdle)
		h.readers[sessionID] = r
		go r.run()
	}
	h.mu.Unlock()

	return r.addSubscriber(opts)
}

func (h *Hub) onReaderIdle(sessionID string) {
	h.mu.Lock()
	delete(h.readers, sessionID)
	h.mu.Unlock()
}

// ActiveReaders reports how many sessions currently have a live
// reader goroutine (diagnostic / test use).
func (h *Hub) ActiveReaders() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.readers)
}
