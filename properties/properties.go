// Package properties is an associative store that attaches arbitrary
// key/value metadata to objects identified by an opaque ID. The sensor hub
// creates one entry per open sensor on first property access and destroys it
// when the sensor closes; the store itself knows nothing about sensors.
package properties

import (
	"sync"

	"go.uber.org/atomic"
)

// ID identifies one group of properties. 0 is never a valid ID.
type ID uint32

// A Store holds groups of properties. The zero value is not usable; call
// NewStore.
type Store struct {
	mu     sync.RWMutex
	groups map[ID]map[string]interface{}
	nextID *atomic.Uint32
}

// NewStore returns an empty property store.
func NewStore() *Store {
	return &Store{
		groups: map[ID]map[string]interface{}{},
		nextID: atomic.NewUint32(0),
	}
}

// Create allocates a fresh, empty property group.
func (s *Store) Create() ID {
	id := ID(s.nextID.Inc())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[id] = map[string]interface{}{}
	return id
}

// Destroy removes a property group and everything in it. Destroying an
// unknown ID is a no-op.
func (s *Store) Destroy(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
}

// Set stores a value under the given key. It does nothing if the group does
// not exist.
func (s *Store) Set(id ID, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group, ok := s.groups[id]; ok {
		group[key] = value
	}
}

// Get returns the value stored under the given key, and whether it was
// present.
func (s *Store) Get(id ID, key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[id]
	if !ok {
		return nil, false
	}
	value, ok := group[key]
	return value, ok
}

// Exists reports whether the given group is live.
func (s *Store) Exists(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[id]
	return ok
}
