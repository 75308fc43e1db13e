// Package keyedlock implements a per-key mutual-exclusion abstraction with
// a non-blocking tryAcquire contract, backed by a single mutex-guarded
// in-process map rather than an external lock service.
//
// Two independent users share this package: the Scheduler, which holds a
// lock for the duration of one agent's liveness check,
// and the Report Store, which holds a lock for the duration of one agent's
// create-or-upgrade window to coalesce concurrent report creation
//.
package keyedlock

import "sync"

// Map is a set of per-key locks. The zero value is ready to use.
// Safe for concurrent use by multiple goroutines.
type Map struct {
	mu    sync.Mutex
	held  map[string]struct{}
}

// New returns an empty Map.
func New() *Map {
	return &Map{held: make(map[string]struct{})}
}

// TryAcquire attempts to acquire the lock for key without blocking. If the
// key is already held it returns ok=false immediately — callers enqueueing
// scheduled work must treat this as "skip this tick for this agent", never
// as a reason to wait.
//
// On success it returns a release function that must be called exactly once
// to free the key for the next acquirer.
func (m *Map) TryAcquire(key string) (release func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.held[key]; busy {
		return nil, false
	}
	if m.held == nil {
		m.held = make(map[string]struct{})
	}
	m.held[key] = struct{}{}

	var once sync.Once
	release = func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}
	return release, true
}

// Held reports whether key is currently locked. Intended for tests and
// metrics; callers making scheduling decisions should use TryAcquire instead
// of checking Held first, to avoid a check-then-act race.
func (m *Map) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.held[key]
	return busy
}
