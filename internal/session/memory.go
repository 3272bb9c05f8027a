package session

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-process Store for tests and single-node use.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	bans     map[string]time.Time
	reports  map[string]int
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		bans:     make(map[string]time.Time),
		reports:  make(map[string]int),
		clock:    time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, sess *Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	s.sessions[sess.ID] = &copied
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

func (s *MemoryStore) Touch(ctx context.Context, sessionID string, at time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	sess.LastHeartbeat = at
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) IsBanned(ctx context.Context, ipHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.bans[ipHash]
	if !ok {
		return false, nil
	}
	if s.clock().After(until) {
		delete(s.bans, ipHash)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Ban(ctx context.Context, ipHash string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[ipHash] = s.clock().Add(d)
	return nil
}

func (s *MemoryStore) AddReport(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[sessionID]++
	return s.reports[sessionID], nil
}

func (s *MemoryStore) ClearReports(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reports, sessionID)
	return nil
}
