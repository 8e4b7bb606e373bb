package metrics

import "sync"

// Relay event counters.
const (
	SessionCreated       = "session_created"
	SessionJoined        = "session_joined"
	SessionJoinNotFound  = "session_join_not_found"
	SessionJoinFull      = "session_join_full"
	SessionCodeCollision = "session_code_collision"
	StoreError           = "store_error"

	ForwardOffer     = "forward_offer"
	ForwardAnswer    = "forward_answer"
	ForwardCandidate = "forward_candidate"
	ForwardRejected  = "forward_rejected"

	TransferStatus   = "transfer_status"
	RateLimited      = "rate_limited"
	PeerDisconnected = "peer_disconnected"
	BadMessage       = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards all updates, so components can take an
// optional registry without nil checks at every call site.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
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
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
