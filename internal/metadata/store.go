package metadata

import (
	"encoding/json"
	"sync"
	"time"
)

// Store keeps the latest metadata_streams snapshot pushed by the backend.
type Store struct {
	mu      sync.RWMutex
	streams map[string]json.RawMessage
	updated time.Time
	updates uint64
}

func NewStore() *Store {
	return &Store{streams: make(map[string]json.RawMessage)}
}

// Update replaces the snapshot.
func (s *Store) Update(streams map[string]json.RawMessage) {
	cp := make(map[string]json.RawMessage, len(streams))
	for k, v := range streams {
		cp[k] = append(json.RawMessage(nil), v...)
	}
	s.mu.Lock()
	s.streams = cp
	s.updated = time.Now()
	s.updates++
	s.mu.Unlock()
}

// Snapshot returns a copy of the latest per-stream metadata.
func (s *Store) Snapshot() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.streams))
	for k, v := range s.streams {
		out[k] = v
	}
	return out
}

// Updated returns when the last snapshot arrived and how many have arrived.
func (s *Store) Updated() (time.Time, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated, s.updates
}
