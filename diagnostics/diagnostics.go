// Package diagnostics records the most recent failure per calling scope.
// Every fallible hub operation that returns a sentinel also records a
// descriptive error here, so callers that only see a sentinel can still ask
// what went wrong.
package diagnostics

import "sync"

// DefaultScope is used when a caller does not distinguish scopes.
const DefaultScope = "global"

// A Sink stores the last recorded error per scope.
type Sink struct {
	mu   sync.RWMutex
	last map[string]error
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{last: map[string]error{}}
}

// Record stores err as the most recent failure for the scope. Recording a
// nil error clears the scope.
func (s *Sink) Record(scope string, err error) {
	if scope == "" {
		scope = DefaultScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.last, scope)
		return
	}
	s.last[scope] = err
}

// Last returns the most recent failure recorded for the scope, or nil.
func (s *Sink) Last(scope string) error {
	if scope == "" {
		scope = DefaultScope
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[scope]
}

// Clear forgets the last failure for the scope.
func (s *Sink) Clear(scope string) {
	s.Record(scope, nil)
}
