// Package profile exposes the per-user settings the dispatch pipeline
// needs: role, assigned sending address and signature.
package profile

import (
	"context"
	"errors"
	"sync"
)

// Role is the actor's permission level.
type Role string

// Known roles.
const (
	RoleSuperAdmin Role = "SUPERADMIN"
	RoleUser       Role = "USER"
)

// Privileged reports whether r may choose its own sender and reply-to.
func (r Role) Privileged() bool {
	return r == RoleSuperAdmin
}

// ErrNotFound is returned when no profile exists for a user.
var ErrNotFound = errors.New("profile: not found")

// Profile is one user's sending configuration.
type Profile struct {
	UserID           string
	Email            string
	Role             Role
	FromAddress      string
	SignatureHTML    string
	SignatureEnabled bool
}

// Store reads and updates profiles.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)

	// UpdateSignature changes only the non-nil fields, creating the
	// profile when absent, and returns the updated profile.
	UpdateSignature(ctx context.Context, userID string, html *string, enabled *bool) (*Profile, error)
}

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryStore creates a MemoryStore seeded with profiles.
func NewMemoryStore(profiles ...Profile) *MemoryStore {
	s := &MemoryStore{profiles: make(map[string]Profile)}
	for _, p := range profiles {
		s.profiles[p.UserID] = p
	}
	return s
}

// Put inserts or replaces a profile.
func (s *MemoryStore) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// UpdateSignature implements Store.
func (s *MemoryStore) UpdateSignature(_ context.Context, userID string, html *string, enabled *bool) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = Profile{UserID: userID}
	}
	if html != nil {
		p.SignatureHTML = *html
	}
	if enabled != nil {
		p.SignatureEnabled = *enabled
	}
	s.profiles[userID] = p
	return &p, nil
}
