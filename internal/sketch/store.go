package sketch

import (
	"sync"
)

// Store is the bounded endpoint -> sketch map living on the switch.
//
// Capacity is hard: inserting a new endpoint into a full store evicts the
// endpoint with the oldest last_seen (ties broken lexicographically by id).
// Eviction is silent from the writer's perspective; the evicted count is
// exported for telemetry.
//
// Concurrency contract: one writer (the flow updater task), any number of
// readers through Snapshot, which returns deep copies safe to use while
// ingestion keeps mutating the originals.
type Store struct {
	mu       sync.RWMutex
	capacity int
	cfg      Config
	sketches map[string]*EndpointSketch
	evicted  uint64
}

// DefaultCapacity bounds edge memory at roughly 500 x 30 KB.
const DefaultCapacity = 500

// NewStore creates a bounded store. Non-positive capacity falls back to the
// default.
func NewStore(capacity int, cfg Config) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		cfg:      cfg,
		sketches: make(map[string]*EndpointSketch, capacity),
	}
}

// Get returns the live sketch for an endpoint, or nil.
func (st *Store) Get(endpointID string) *EndpointSketch {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sketches[normalizeEndpointID(endpointID)]
}

// GetOrCreate returns the sketch for an endpoint, creating (and possibly
// evicting) on miss.
func (st *Store) GetOrCreate(endpointID, switchID string) *EndpointSketch {
	id := normalizeEndpointID(endpointID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sketches[id]; ok {
		return s
	}
	if len(st.sketches) >= st.capacity {
		st.evictOldestLocked()
	}
	s := NewEndpointSketch(id, switchID, st.cfg)
	st.sketches[id] = s
	return s
}

// evictOldestLocked removes the endpoint with the minimum last_seen.
// Zero-value LastSeen sorts first, so untouched sketches go before any
// sketch that has seen a flow.
func (st *Store) evictOldestLocked() {
	victim := ""
	for id, s := range st.sketches {
		if victim == "" {
			victim = id
			continue
		}
		v := st.sketches[victim]
		if s.LastSeen.Before(v.LastSeen) || (s.LastSeen.Equal(v.LastSeen) && id < victim) {
			victim = id
		}
	}
	if victim != "" {
		delete(st.sketches, victim)
		st.evicted++
	}
}

// Len returns the current number of tracked endpoints.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sketches)
}

// Capacity returns the configured bound.
func (st *Store) Capacity() int { return st.capacity }

// Evicted returns the cumulative eviction count.
func (st *Store) Evicted() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.evicted
}

// Snapshot returns deep copies of every tracked sketch. Iteration order is
// unspecified.
func (st *Store) Snapshot() []*EndpointSketch {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*EndpointSketch, 0, len(st.sketches))
	for _, s := range st.sketches {
		out = append(out, s.Clone())
	}
	return out
}

// SetLocalCluster stamps the edge clusterer's label onto an endpoint.
func (st *Store) SetLocalCluster(endpointID string, clusterID int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sketches[normalizeEndpointID(endpointID)]; ok {
		s.LocalClusterID = clusterID
	}
}
