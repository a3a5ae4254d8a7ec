// Package keylock provides reader/writer locks keyed by string.
//
// The server holds the write lock of a deck code for the whole
// read-modify-write of a push, and the read lock while filtering for a pull
// or clone. Entries are reference counted and dropped when no goroutine holds
// or waits for them, so the map stays bounded by the decks in flight.
package keylock

import "sync"

type entry struct {
	mu   sync.RWMutex
	refs int
}

// Map is a set of RW locks keyed by string. The zero value is ready to use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Lock takes the write lock for key and returns its unlock function.
func (m *Map) Lock(key string) (unlock func()) {
	e := m.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.release(key, e)
	}
}

// RLock takes the read lock for key and returns its unlock function.
func (m *Map) RLock(key string) (unlock func()) {
	e := m.acquire(key)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		m.release(key, e)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
