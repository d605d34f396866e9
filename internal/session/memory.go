package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and the
// local development mode; it enforces the same one-active-per-owner
// constraint as the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.State == StateActive {
		for _, existing := range m.sessions {
			if existing.OwnerID == s.OwnerID && existing.State == StateActive {
				return ErrDuplicateSession
			}
		}
	}

	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetOwned(ctx context.Context, id, ownerID string) (*Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Session, error) {
	return m.list(func(s *Session) bool { return s.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListByState(_ context.Context, state State) ([]*Session, error) {
	return m.list(func(s *Session) bool { return s.State == state }), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]*Session, error) {
	return m.list(func(s *Session) bool {
		return s.State == StateActive && s.Expired(now)
	}), nil
}

func (m *MemoryStore) CountActive(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.State == StateActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State != from {
		return ErrInvalidTransition
	}
	s.State = to
	return nil
}

func (m *MemoryStore) Extend(_ context.Context, id, ownerID string, increment, cap time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.OwnerID != ownerID {
		return time.Time{}, ErrNotFound
	}
	if s.State != StateActive {
		return time.Time{}, ErrNotFound
	}

	next := s.ExpiresAt.Add(increment)
	if max := s.CreatedAt.Add(cap); next.After(max) {
		next = max
	}
	s.ExpiresAt = next
	return next, nil
}

func (m *MemoryStore) UpdateUsage(_ context.Context, id string, usage map[string]string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.UsageSnapshot = usage
	s.LastActivityAt = at
	return nil
}

func (m *MemoryStore) list(keep func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0)
	for _, s := range m.sessions {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var _ Store = (*MemoryStore)(nil)
