package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps rate windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]Window)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, identity string, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(identity, now), nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, identity string, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := Window{Identity: identity, WindowStart: now}
	s.windows[identity] = w
	return w, nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, identity string, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.loadLocked(identity, now)
	w.Count++
	s.windows[identity] = w
	return w, nil
}

// Consume implements Store.
func (s *MemoryStore) Consume(_ context.Context, identity string, now time.Time, limit int, period time.Duration) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.loadLocked(identity, now)
	if !now.Before(w.WindowStart.Add(period)) {
		w = Window{Identity: identity, WindowStart: now}
	}
	if w.Count >= limit {
		s.windows[identity] = w
		return w, false, nil
	}
	w.Count++
	s.windows[identity] = w
	return w, true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, identity string, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[identity]
	if !ok || !w.WindowStart.Equal(windowStart) || w.Count <= 0 {
		return nil
	}
	w.Count--
	s.windows[identity] = w
	return nil
}

func (s *MemoryStore) loadLocked(identity string, now time.Time) Window {
	w, ok := s.windows[identity]
	if !ok {
		w = Window{Identity: identity, WindowStart: now}
		s.windows[identity] = w
	}
	return w
}
