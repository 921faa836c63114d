// Package federation implements the HQ/Federation Router (§4.12): a
// server can run in HQ mode, accepting remote peer registrations, or in
// remote mode, registering itself with an HQ and proxying session
// operations back and forth.
package federation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Remote is one registered peer server, as the HQ sees it.
type Remote struct {
	ID           string    `json:"remoteId"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry is the HQ-side table of registered remotes: {remoteId, name,
// url} per §4.12. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	remotes map[string]Remote
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{remotes: make(map[string]Remote)}
}

// Register adds or replaces a remote by name (re-registration under the
// same name refreshes its URL and timestamp rather than creating a
// duplicate entry, so a reconnecting remote doesn't leak stale rows).
func (reg *Registry) Register(name, url string) Remote {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for id, r := range reg.remotes {
		if r.Name == name {
			r.URL = url
			r.RegisteredAt = time.Now()
			reg.remotes[id] = r
			return r
		}
	}

	r := Remote{
		ID:           uuid.New().String(),
		Name:         name,
		URL:          url,
		RegisteredAt: time.Now(),
	}
	reg.remotes[r.ID] = r
	return r
}

// Unregister removes a remote by id.
func (reg *Registry) Unregister(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.remotes, id)
}

// Get returns the remote registered under id.
func (reg *Registry) Get(id string) (Remote, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.remotes[id]
	return r, ok
}

// List returns all registered remotes in no particular order.
func (reg *Registry) List() []Remote {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Remote, 0, len(reg.remotes))
	for _, r := range reg.remotes {
		out = append(out, r)
	}
	return out
}
