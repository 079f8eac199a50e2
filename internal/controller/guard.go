// Copyright Contributors to the KubeTask project

package controller

import "sync/atomic"

// Guard lets at most one caller run a function at a time. Callers that find it
// busy return immediately instead of waiting.
type Guard struct {
	running atomic.Bool
}

// TryRun runs fn unless another call is in flight. It reports whether fn ran.
func (g *Guard) TryRun(fn func()) bool {
	if !g.running.CompareAndSwap(false, true) {
		return false
	}
	defer g.running.Store(false)
	fn()
	return true
}

// Running reports whether a call is in flight
func (g *Guard) Running() bool {
	return g.running.Load()
}
