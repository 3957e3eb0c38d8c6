package pipeline

import "sync"

// DedupRegistry is a bounded cache of recently processed external message ids.
// It rejects platform retry storms: the same id submitted twice is reported as
// seen and the caller drops the duplicate. State is process-local and lost on
// restart, which is acceptable for this design.
type DedupRegistry struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string // insertion order, for approximate-LRU eviction
}

// NewDedupRegistry creates a registry holding at most capacity ids.
func NewDedupRegistry(capacity int) *DedupRegistry {
	if capacity < 1 {
		capacity = 1
	}
	return &DedupRegistry{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Seen records id and reports whether it was already present. When the
// registry exceeds its cap, the oldest ~20% of entries are evicted by
// insertion order (approximate LRU, not strict recency).
func (r *DedupRegistry) Seen(id string) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return true
	}

	r.seen[id] = struct{}{}
	r.order = append(r.order, id)

	if len(r.order) > r.cap {
		drop := r.cap / 5
		if drop < 1 {
			drop = 1
		}
		for _, old := range r.order[:drop] {
			delete(r.seen, old)
		}
		r.order = append(r.order[:0], r.order[drop:]...)
	}
	return false
}

// Len reports the current number of tracked ids.
func (r *DedupRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
