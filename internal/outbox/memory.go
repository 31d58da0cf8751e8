package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	order    []string
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		now:      time.Now,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	msg.Status = StatusPending
	msg.Error = ""
	msg.SentAt = nil

	stored := clone(msg)
	s.messages[msg.ID] = stored
	s.order = append(s.order, msg.ID)
	return nil
}

// MarkSent implements Store.
func (s *MemoryStore) MarkSent(_ context.Context, id string, sentAt time.Time, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.pendingLocked(id)
	if err != nil {
		return err
	}
	t := sentAt.UTC()
	m.Status = StatusSent
	m.SentAt = &t
	m.ProviderMessageID = providerMessageID
	return nil
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.pendingLocked(id)
	if err != nil {
		return err
	}
	m.Status = StatusFailed
	m.Error = FailureText(errMsg)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Message, int, error) {
	f = f.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Message
	for i := len(s.order) - 1; i >= 0; i-- {
		m := s.messages[s.order[i]]
		if f.UserID != "" && m.UserID != f.UserID {
			continue
		}
		matched = append(matched, *clone(m))
	}
	slices.SortStableFunc(matched, func(a, b Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return []Message{}, total, nil
	}
	end := min(f.Offset+f.Limit, total)
	return matched[f.Offset:end], total, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context, userID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, m := range s.messages {
		if userID != "" && m.UserID != userID {
			continue
		}
		st.Total++
		switch m.Status {
		case StatusSent:
			st.Sent++
		case StatusFailed:
			st.Failed++
		case StatusPending:
			st.Pending++
		}
	}
	return st, nil
}

func (s *MemoryStore) pendingLocked(id string) (*Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	return m, nil
}

func clone(m *Message) *Message {
	c := *m
	c.To = slices.Clone(m.To)
	c.Cc = slices.Clone(m.Cc)
	c.Bcc = slices.Clone(m.Bcc)
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	return &c
}
