// Package activity implements the bounded activity log, the per-provider
// and global notification rings, the stats counters, and fan-out to live
// dashboard observers via server-sent events.
package activity

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kinds of activity entry, per the data model.
const (
	KindConnect      = "connect"
	KindDisconnect   = "disconnect"
	KindToolCall     = "tool_call"
	KindToolResult   = "tool_result"
	KindToolError    = "tool_error"
	KindChat         = "chat"
	KindChatError    = "chat_error"
	KindNotification = "notification"
)

// Entry is one activity-log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Notification is one stored provider event.
type Notification struct {
	ProviderID string          `json:"providerId"`
	Event      json.RawMessage `json:"event"`
	Time       time.Time       `json:"time"`
}

// Stats holds the monotonic counters from the data model. Fields are
// accessed only through atomic operations so the struct can be read lock-
// free from the dashboard snapshot.
type Stats struct {
	ToolCalls        uint64 `json:"toolCalls"`
	ToolErrors       uint64 `json:"toolErrors"`
	ChatRequests     uint64 `json:"chatRequests"`
	ChatErrors       uint64 `json:"chatErrors"`
	TotalConnections uint64 `json:"totalConnections"`
	Notifications    uint64 `json:"notifications"`
}

// promCounters mirrors Stats as Prometheus counters, exercising
// prometheus/client_golang the way internal/observability.Metrics does.
// Each Log owns its own prometheus.Registry rather than registering into
// the global DefaultRegisterer, so multiple Log instances in one process
// (every broker.New call in tests, for instance) never collide on the
// same metric name.
type promCounters struct {
	Registry *prometheus.Registry

	toolCalls, toolErrors, chatRequests, chatErrors, connections, notifications prometheus.Counter
}

func newPromCounters() *promCounters {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	mk := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      name,
			Help:      help,
		})
	}
	return &promCounters{
		Registry:      reg,
		toolCalls:     mk("tool_calls_total", "Total tool invocations dispatched."),
		toolErrors:    mk("tool_errors_total", "Total tool invocations that resolved as errors."),
		chatRequests:  mk("chat_requests_total", "Total chat proxy requests."),
		chatErrors:    mk("chat_errors_total", "Total chat proxy requests that failed."),
		connections:   mk("total_connections", "Total provider connections accepted, including replacements."),
		notifications: mk("notifications_total", "Total provider notifications stored."),
	}
}

// Observer is a live subscriber to the event stream. Events() yields
// pre-marshaled SSE payload lines; a wedged reader does not block other
// observers because each observer owns its own bounded buffer.
type Observer struct {
	id     uint64
	events chan []byte
	dead   atomic.Bool
}

// Events returns the channel of outgoing frames. It is closed once the
// observer is unsubscribed or dropped for overflowing.
func (o *Observer) Events() <-chan []byte { return o.events }

// Registry returns the Prometheus registry backing this Log's stats
// counters, for mounting a /metrics scrape endpoint.
func (l *Log) Registry() *prometheus.Registry { return l.prom.Registry }

const observerBuffer = 64

// Log is the process-wide activity log, notification rings, stats, and
// observer set described for the Activity & Event Fan-out component.
type Log struct {
	activityCap int
	providerCap int
	globalCap   int

	mu            sync.Mutex
	ring          []Entry
	perProvider   map[string][]Notification
	global        []Notification
	observers     map[uint64]*Observer
	nextObserver  uint64
	stats         Stats
	prom          *promCounters
	logger        *slog.Logger
}

// New builds a Log with the given ring-buffer capacities.
func New(activityCap, providerNotifCap, globalNotifCap int, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		activityCap: activityCap,
		providerCap: providerNotifCap,
		globalCap:   globalNotifCap,
		perProvider: make(map[string][]Notification),
		observers:   make(map[uint64]*Observer),
		prom:        newPromCounters(),
		logger:      logger.With("component", "activity.log"),
	}
}

// Stats returns a snapshot of the counters.
func (l *Log) Stats() Stats {
	return Stats{
		ToolCalls:        atomic.LoadUint64(&l.stats.ToolCalls),
		ToolErrors:       atomic.LoadUint64(&l.stats.ToolErrors),
		ChatRequests:     atomic.LoadUint64(&l.stats.ChatRequests),
		ChatErrors:       atomic.LoadUint64(&l.stats.ChatErrors),
		TotalConnections: atomic.LoadUint64(&l.stats.TotalConnections),
		Notifications:    atomic.LoadUint64(&l.stats.Notifications),
	}
}

func (l *Log) IncToolCalls()        { atomic.AddUint64(&l.stats.ToolCalls, 1); l.prom.toolCalls.Inc() }
func (l *Log) IncToolErrors()       { atomic.AddUint64(&l.stats.ToolErrors, 1); l.prom.toolErrors.Inc() }
func (l *Log) IncChatRequests()     { atomic.AddUint64(&l.stats.ChatRequests, 1); l.prom.chatRequests.Inc() }
func (l *Log) IncChatErrors()       { atomic.AddUint64(&l.stats.ChatErrors, 1); l.prom.chatErrors.Inc() }
func (l *Log) IncTotalConnections() { atomic.AddUint64(&l.stats.TotalConnections, 1); l.prom.connections.Inc() }

// Append records an activity entry and broadcasts it to every observer as a
// single atomic step, keeping event order identical to state-change order.
func (l *Log) Append(kind, message string, data any) Entry {
	entry := Entry{Time: time.Now(), Kind: kind, Message: message, Data: data}

	l.mu.Lock()
	l.ring = append(l.ring, entry)
	if len(l.ring) > l.activityCap {
		l.ring = l.ring[len(l.ring)-l.activityCap:]
	}
	l.broadcastLocked(map[string]any{"type": "activity", "entry": entry})
	l.mu.Unlock()

	return entry
}

// StoreNotification appends event to the per-provider and global rings and
// broadcasts it, incrementing the notifications stat.
func (l *Log) StoreNotification(providerID string, event json.RawMessage) Notification {
	n := Notification{ProviderID: providerID, Event: event, Time: time.Now()}

	l.mu.Lock()
	perProv := append(l.perProvider[providerID], n)
	if len(perProv) > l.providerCap {
		perProv = perProv[len(perProv)-l.providerCap:]
	}
	l.perProvider[providerID] = perProv

	l.global = append(l.global, n)
	if len(l.global) > l.globalCap {
		l.global = l.global[len(l.global)-l.globalCap:]
	}
	l.broadcastLocked(map[string]any{"type": "notification", "providerId": providerID, "event": event, "time": n.Time})
	l.mu.Unlock()

	l.IncNotifications()
	return n
}

func (l *Log) IncNotifications() {
	atomic.AddUint64(&l.stats.Notifications, 1)
	l.prom.notifications.Inc()
}

// ClearProvider drops providerID's notification ring, as required on a
// terminal unregister or channel-error transition (not on replacement).
func (l *Log) ClearProvider(providerID string) {
	l.mu.Lock()
	delete(l.perProvider, providerID)
	l.mu.Unlock()
}

// Activity returns the full log, or the subset tagged with providerID in
// its Data payload when providerFilter is non-empty.
func (l *Log) Activity(providerFilter string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if providerFilter == "" {
		out := make([]Entry, len(l.ring))
		copy(out, l.ring)
		return out
	}
	var out []Entry
	for _, e := range l.ring {
		if m, ok := e.Data.(map[string]any); ok {
			if id, _ := m["providerId"].(string); id == providerFilter {
				out = append(out, e)
			}
		}
	}
	return out
}

// Notifications returns up to limit most-recent notifications, per-provider
// if providerID is non-empty, else global.
func (l *Log) Notifications(providerID string, limit int) []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	var src []Notification
	if providerID != "" {
		src = l.perProvider[providerID]
	} else {
		src = l.global
	}
	if limit <= 0 || limit > len(src) {
		limit = len(src)
	}
	start := len(src) - limit
	out := make([]Notification, limit)
	copy(out, src[start:])
	return out
}

// BroadcastState pushes a {"type":"state", ...} frame to every observer.
func (l *Log) BroadcastState(snapshot any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcastLocked(mergeState(snapshot))
}

func mergeState(snapshot any) map[string]any {
	b, _ := json.Marshal(snapshot)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if m == nil {
		m = map[string]any{}
	}
	m["type"] = "state"
	return m
}

func (l *Log) broadcastLocked(frame map[string]any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		l.logger.Warn("failed to marshal broadcast frame", "error", err)
		return
	}
	line := append([]byte("data: "), payload...)
	line = append(line, '\n', '\n')

	for id, obs := range l.observers {
		select {
		case obs.events <- line:
		default:
			// Slow observer: drop it rather than stall the others.
			obs.dead.Store(true)
			close(obs.events)
			delete(l.observers, id)
		}
	}
}

// Subscribe registers a new observer and returns it. The caller is expected
// to send an initial snapshot frame before relaying Events().
func (l *Log) Subscribe() *Observer {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextObserver++
	obs := &Observer{id: l.nextObserver, events: make(chan []byte, observerBuffer)}
	l.observers[obs.id] = obs
	return obs
}

// Unsubscribe removes obs from the fan-out set.
func (l *Log) Unsubscribe(obs *Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.observers[obs.id]; ok {
		delete(l.observers, obs.id)
		if !obs.dead.Load() {
			close(obs.events)
		}
	}
}
