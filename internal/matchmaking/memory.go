package matchmaking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Store    = (*MemoryStore)(nil)
	_ Notifier = (*MemoryNotifier)(nil)
)

// MemoryStore keeps queue entries in process memory. The claim
// precondition is enforced under the store mutex, mirroring the atomic
// script the redis store runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.entries[entry.SessionID] = &copied
	return nil
}

func (s *MemoryStore) Waiting(ctx context.Context, chatType ChatType, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var waiting []*Entry
	for _, entry := range s.entries {
		if entry.ChatType == chatType && entry.MatchedWith == "" {
			copied := *entry
			waiting = append(waiting, &copied)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].CreatedAt.Before(waiting[j].CreatedAt) })
	if len(waiting) > limit {
		waiting = waiting[:limit]
	}
	return waiting, nil
}

func (s *MemoryStore) Claim(ctx context.Context, sessionID, partnerID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[sessionID]
	if !ok || entry.MatchedWith != "" {
		return false, nil
	}
	entry.MatchedWith = partnerID
	entry.MatchedAt = at
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

// MemoryNotifier is the in-process Notifier. Like the redis variant it has
// no memory: a notification published before anyone subscribed is lost,
// which is exactly why the controller also polls.
type MemoryNotifier struct {
	mu   sync.Mutex
	subs map[string][]chan string
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[string][]chan string)}
}

func (n *MemoryNotifier) NotifyMatched(ctx context.Context, sessionID, partnerID string) error {
	n.mu.Lock()
	targets := append([]chan string(nil), n.subs[sessionID]...)
	n.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- partnerID:
		default:
		}
	}
	return nil
}

func (n *MemoryNotifier) SubscribeMatched(ctx context.Context, sessionID string) (<-chan string, func(), error) {
	ch := make(chan string, 1)
	n.mu.Lock()
	n.subs[sessionID] = append(n.subs[sessionID], ch)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[sessionID]
		for i, sub := range subs {
			if sub == ch {
				n.subs[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(n.subs[sessionID]) == 0 {
			delete(n.subs, sessionID)
		}
	}
	return ch, cancel, nil
}
