package meeting

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps meetings in process memory. Every operation runs under one mutex, so it
// never reports ErrPreconditionFailed. Used for local development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	meetings map[string]*Meeting
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]*Meeting),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meetings[m.Code]; ok {
		return ErrMeetingExists
	}

	now := s.now()
	m = m.Clone()
	m.Version = 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Participants == nil {
		m.Participants = []string{}
	}
	s.meetings[m.Code] = &m
	return nil
}

func (s *MemoryStore) Find(_ context.Context, code string) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[code]
	if !ok {
		return Meeting{}, ErrMeetingNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Exists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.meetings[code]
	return ok, nil
}

func (s *MemoryStore) AddIfAbsent(_ context.Context, code, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[code]
	if !ok {
		return false, ErrMeetingNotFound
	}
	if m.Has(identity) {
		return false, nil
	}

	m.Participants = append(m.Participants, identity)
	s.touch(m)
	return true, nil
}

func (s *MemoryStore) RemoveIfPresent(_ context.Context, code, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[code]
	if !ok {
		return false, ErrMeetingNotFound
	}

	idx := slices.Index(m.Participants, identity)
	if idx < 0 {
		return false, nil
	}

	m.Participants = slices.Delete(m.Participants, idx, idx+1)
	s.touch(m)
	return true, nil
}

func (s *MemoryStore) TruncateToRecent(_ context.Context, code string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[code]
	if !ok {
		return ErrMeetingNotFound
	}
	if len(m.Participants) > n {
		m.Participants = truncate(m.Participants, n)
		s.touch(m)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.meetings, code)
	return nil
}

func (s *MemoryStore) SweepIdle(_ context.Context, before time.Time, keep func(code string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for code, m := range s.meetings {
		if !m.UpdatedAt.Before(before) || keep(code) {
			continue
		}
		delete(s.meetings, code)
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) touch(m *Meeting) {
	m.Version++
	m.UpdatedAt = s.now()
}
