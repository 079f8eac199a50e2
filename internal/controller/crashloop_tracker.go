// Copyright Contributors to the KubeTask project

package controller

import (
	"sync"
	"time"
)

// CrashLoopTracker remembers when each Job was first seen crash-looping
type CrashLoopTracker interface {
	// Observe records now as the first sighting unless one exists, and returns the first sighting
	Observe(jobName string, now time.Time) time.Time
	Forget(jobName string)
	// Retain drops every entry whose Job is not in keep
	Retain(keep map[string]struct{})
	Len() int
}

// MemoryCrashLoopTracker is a CrashLoopTracker safe for concurrent use
type MemoryCrashLoopTracker struct {
	mu        sync.Mutex
	firstSeen map[string]time.Time
}

var _ CrashLoopTracker = &MemoryCrashLoopTracker{}

// NewMemoryCrashLoopTracker creates an empty tracker
func NewMemoryCrashLoopTracker() *MemoryCrashLoopTracker {
	return &MemoryCrashLoopTracker{firstSeen: make(map[string]time.Time)}
}

// Observe implements CrashLoopTracker
func (t *MemoryCrashLoopTracker) Observe(jobName string, now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seen, ok := t.firstSeen[jobName]; ok {
		return seen
	}
	t.firstSeen[jobName] = now
	return now
}

// Forget implements CrashLoopTracker
func (t *MemoryCrashLoopTracker) Forget(jobName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.firstSeen, jobName)
}

// Retain implements CrashLoopTracker
func (t *MemoryCrashLoopTracker) Retain(keep map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name := range t.firstSeen {
		if _, ok := keep[name]; !ok {
			delete(t.firstSeen, name)
		}
	}
}

// Len implements CrashLoopTracker
func (t *MemoryCrashLoopTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.firstSeen)
}
