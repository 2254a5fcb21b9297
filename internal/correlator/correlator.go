// Package correlator implements the Call Correlator: a map from an opaque
// id to a pending awaiter, resolved by a later result message, a deadline
// timer, or an eager provider-disconnect cancellation. The correlator never
// holds a reference back to the session that will resolve it; the session
// resolves by id lookup, avoiding the cyclic-reference trap between the
// dispatcher and the session described for this component.
package correlator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

// Outcome is what a pending entry resolves to: a tool result, or a Go error
// for timeouts and eager cancellation.
type Outcome struct {
	Result protocol.ToolResult
	Err    error
}

type pendingEntry struct {
	providerID string
	ch         chan Outcome
	timer      *time.Timer
	done       bool // true once resolve/reject/timer has run; guarded by Correlator.mu
}

// Correlator is one pending-call keyspace. The broker holds two independent
// instances: one for tool calls, one for chat requests.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New returns an empty Correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[string]*pendingEntry)}
}

// NewID generates a random 16-hex id suitable for a call_id or request_id.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// Begin registers a pending awaiter for id, targeting providerID, with a
// single-shot deadline. The returned channel receives exactly one Outcome:
// from Complete, from the deadline firing, or from CancelProvider.
func (c *Correlator) Begin(id, providerID string, deadline time.Duration) <-chan Outcome {
	ch := make(chan Outcome, 1)
	entry := &pendingEntry{providerID: providerID, ch: ch}

	c.mu.Lock()
	c.pending[id] = entry
	c.mu.Unlock()

	entry.timer = time.AfterFunc(deadline, func() {
		c.resolve(id, Outcome{Err: fmt.Errorf("timed out after %dms", deadline.Milliseconds())})
	})

	return ch
}

// Complete resolves id with outcome. It reports whether id was still
// pending; a false return means the deadline (or a disconnect) already
// resolved it and this call is a no-op, matching the "first one observed
// wins" contract.
func (c *Correlator) Complete(id string, outcome Outcome) bool {
	return c.resolve(id, outcome)
}

func (c *Correlator) resolve(id string, outcome Outcome) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if !ok || entry.done {
		c.mu.Unlock()
		return false
	}
	entry.done = true
	delete(c.pending, id)
	c.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.ch <- outcome
	return true
}

// CancelProvider eagerly rejects every pending call targeting providerID,
// implementing the "reject immediately rather than let them time out"
// improvement. It is a no-op for ids targeting other providers.
func (c *Correlator) CancelProvider(providerID string, err error) {
	c.mu.Lock()
	var ids []string
	for id, entry := range c.pending {
		if entry.providerID == providerID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, Outcome{Err: err})
	}
}

// Len reports the number of pending entries. Intended for tests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
