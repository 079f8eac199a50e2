// Copyright Contributors to the KubeTask project

package workspace

import "sync"

// KeySet is a set of in-flight work keys
type KeySet interface {
	// Add inserts key and reports whether it was absent
	Add(key string) bool
	Remove(key string)
	Contains(key string) bool
	Len() int
}

// MemoryKeySet is a KeySet safe for concurrent use
type MemoryKeySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

var _ KeySet = &MemoryKeySet{}

// NewMemoryKeySet creates an empty set
func NewMemoryKeySet() *MemoryKeySet {
	return &MemoryKeySet{keys: make(map[string]struct{})}
}

// Add implements KeySet
func (s *MemoryKeySet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Remove implements KeySet
func (s *MemoryKeySet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// Contains implements KeySet
func (s *MemoryKeySet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Len implements KeySet
func (s *MemoryKeySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
