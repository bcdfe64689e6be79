package metrics

import "sync"

// Event counter names.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"

	RoomsCreated = "rooms_created"
	RoomsDeleted = "rooms_deleted"
	RoomsSwept   = "rooms_swept"

	Joins                = "joins"
	JoinRejectedNotFound = "join_rejected_not_found"
	JoinRejectedFull     = "join_rejected_full"

	RelayForwarded = "relay_forwarded"
	RelayDropped   = "relay_dropped"

	MalformedMessages = "malformed_messages"
	DeliveryFailures  = "delivery_failures"
	RateLimited       = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters are exposed to scrapers via PrometheusHandler; keeping the
// in-process registry a plain map keeps the routing code testable without
// a metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc increments the named counter. Inc on a nil *Metrics is a no-op so
// callers don't need nil checks at every event site.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

// Add increments the named counter by n.
func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
