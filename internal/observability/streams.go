package observability

import (
	"cmp"
	"slices"
	"sync"
)

// StreamEntry is one open stream in a status listing.
type StreamEntry struct {
	ID     string `json:"id"`
	Status any    `json:"status"`
}

// Streams tracks open streams for the status API. Each stream registers a
// function returning its current status snapshot.
type Streams struct {
	mu      sync.RWMutex
	entries map[string]func() any
}

// NewStreams returns an empty stream registry.
func NewStreams() *Streams {
	return &Streams{entries: make(map[string]func() any)}
}

// Add registers a stream. A second Add with the same id replaces the first.
func (s *Streams) Add(id string, status func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = status
}

// Remove drops a stream from the listing.
func (s *Streams) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Get returns the status of one stream.
func (s *Streams) Get(id string) (StreamEntry, bool) {
	s.mu.RLock()
	status, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return StreamEntry{}, false
	}
	return StreamEntry{ID: id, Status: status()}, true
}

// Snapshot returns every stream's status ordered by id. Status functions run
// outside the registry lock.
func (s *Streams) Snapshot() []StreamEntry {
	s.mu.RLock()
	funcs := make(map[string]func() any, len(s.entries))
	for id, fn := range s.entries {
		funcs[id] = fn
	}
	s.mu.RUnlock()

	out := make([]StreamEntry, 0, len(funcs))
	for id, fn := range funcs {
		out = append(out, StreamEntry{ID: id, Status: fn()})
	}
	slices.SortFunc(out, func(a, b StreamEntry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
