// Package keylock provides mutexes partitioned by an integer key.
package keylock

import "sync"

const shardCount = 64

// Map hands out one mutex per key. Entries are reference counted and released
// once no goroutine holds or waits on them, so the map does not grow with the
// number of keys ever seen.
type Map struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty lock map.
func New() *Map {
	m := &Map{}
	for i := range m.shards {
		m.shards[i].entries = make(map[int64]*entry)
	}
	return m
}

// Lock acquires the mutex for key and returns its release function.
func (m *Map) Lock(key int64) func() {
	s := m.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *Map) Len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

func (m *Map) shardFor(key int64) *shard {
	index := uint64(key) % shardCount
	return &m.shards[index]
}
