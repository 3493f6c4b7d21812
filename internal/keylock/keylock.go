// Package keylock provides per-entity exclusivity without blocking: a caller
// either takes the entity or learns someone else holds it.
package keylock

import "sync"

type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func New() *Set {
	return &Set{held: make(map[string]struct{})}
}

// TryLock takes key if it is free. The returned func releases it and is safe
// to call more than once.
func (s *Set) TryLock(key string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.held[key]; busy {
		return nil, false
	}
	s.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.held, key)
		})
	}, true
}

// Held reports whether key is currently taken.
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, busy := s.held[key]
	return busy
}
