// Package registry tracks connected providers, the tools they publish, and
// the replace-on-reconnect policy described for the Registry component.
package registry

import (
	"sync"
	"time"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

// Sender is the send side of a provider's channel, as seen by the registry
// and the router. providerconn.Session implements it.
type Sender interface {
	Send(frame protocol.Frame) error
	Close(reason string)
}

// Entry is one registered provider.
type Entry struct {
	ID          string
	Tools       []protocol.ToolDescriptor
	ConnectedAt time.Time
	Sender      Sender
}

// Registry is the process-wide provider-id -> Entry map. All methods are
// safe for concurrent use; each completes as a single critical section.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string // registration order, for deterministic snapshots/listing
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// InsertOrReplace installs entry, returning the entry it displaced (if any).
// The caller is responsible for closing the evicted entry's channel; this
// method only performs the map swap, to keep the critical section small.
func (r *Registry) InsertOrReplace(entry *Entry) (evicted *Entry, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.entries[entry.ID]
	r.entries[entry.ID] = entry
	if !exists {
		r.order = append(r.order, entry.ID)
	}
	return old, exists
}

// Lookup returns the entry for id, if registered.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove deletes the entry for id, returning it if it existed.
func (r *Registry) Remove(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	r.removeOrder(id)
	return *e, true
}

func (r *Registry) removeOrder(id string) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Snapshot returns every entry in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
