package room

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps rooms and message streams in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	messages map[string][]*Message
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]*Room),
		messages: make(map[string][]*Message),
		clock:    time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return nil
	}
	copied := *room
	if copied.Status == "" {
		copied.Status = StatusActive
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = s.clock()
	}
	s.rooms[room.ID] = &copied
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, roomID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	copied := *room
	return &copied, nil
}

func (s *MemoryStore) End(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok || room.Status == StatusEnded {
		return nil
	}
	room.Status = StatusEnded
	room.EndedAt = s.clock()
	return nil
}

func (s *MemoryStore) ActiveRoomFor(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, room := range s.rooms {
		if room.Status == StatusActive && room.IsParticipant(sessionID) {
			return id, nil
		}
	}
	return "", nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *msg
	if copied.SentAt == 0 {
		copied.SentAt = s.clock().UnixMilli()
	}
	if entries := s.messages[msg.RoomID]; len(entries) > 0 && entries[len(entries)-1].SentAt >= copied.SentAt {
		copied.SentAt = entries[len(entries)-1].SentAt + 1
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], &copied)
	return nil
}

func (s *MemoryStore) MessagesAfter(ctx context.Context, roomID, sessionID string, after int64, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, msg := range s.messages[roomID] {
		if msg.SentAt <= after {
			continue
		}
		if !msg.System && msg.From == sessionID {
			continue
		}
		copied := *msg
		out = append(out, &copied)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
