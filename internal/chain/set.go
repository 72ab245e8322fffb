package chain

import (
	"slices"
	"sync"
)

// TransportSet is a set of transports that is safe for concurrent use.
// The zero value is an empty set.
type TransportSet struct {
	mu sync.Mutex
	m  map[TransportProtocol]struct{}
}

// Add inserts t.
func (s *TransportSet) Add(t TransportProtocol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[TransportProtocol]struct{})
	}
	s.m[t] = struct{}{}
}

// Contains reports whether t was added since the last Reset.
func (s *TransportSet) Contains(t TransportProtocol) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[t]
	return ok
}

// Len returns the number of distinct transports.
func (s *TransportSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Values returns the transports in ascending order.
func (s *TransportSet) Values() []TransportProtocol {
	s.mu.Lock()
	out := make([]TransportProtocol, 0, len(s.m))
	for t := range s.m {
		out = append(out, t)
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

// Reset empties the set.
func (s *TransportSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.m)
}
