package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

const roomTTL = 24 * time.Hour

// RedisStore keeps room records as JSON blobs and message streams as
// sorted sets scored by send time, all expiring with the room.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func roomKey(roomID string) string           { return "room:" + roomID }
func messagesKey(roomID string) string       { return "room:" + roomID + ":messages" }
func sessionRoomKey(sessionID string) string { return "session:" + sessionID + ":room" }

func (s *RedisStore) Create(ctx context.Context, room *Room) error {
	record := *room
	if record.Status == "" {
		record.Status = StatusActive
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("encoding room: %w", err)
	}

	// Both participants create the room independently after a match;
	// the first write wins and the second is a no-op.
	created, err := s.client.SetNX(ctx, roomKey(room.ID), data, roomTTL).Result()
	if err != nil {
		return fmt.Errorf("storing room: %w", err)
	}
	if !created {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionRoomKey(room.ParticipantA), room.ID, roomTTL)
	pipe.Set(ctx, sessionRoomKey(room.ParticipantB), room.ID, roomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("indexing room participants: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, roomID string) (*Room, error) {
	data, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading room: %w", err)
	}
	var room Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("decoding room: %w", err)
	}
	return &room, nil
}

func (s *RedisStore) End(ctx context.Context, roomID string) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil || room.Status == StatusEnded {
		return nil
	}
	room.Status = StatusEnded
	room.EndedAt = time.Now()

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room: %w", err)
	}
	if err := s.client.Set(ctx, roomKey(roomID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("storing ended room: %w", err)
	}
	s.client.Del(ctx, sessionRoomKey(room.ParticipantA), sessionRoomKey(room.ParticipantB))
	return nil
}

func (s *RedisStore) ActiveRoomFor(ctx context.Context, sessionID string) (string, error) {
	roomID, err := s.client.Get(ctx, sessionRoomKey(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading session room index: %w", err)
	}
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return "", err
	}
	if room == nil || room.Status != StatusActive {
		return "", nil
	}
	return roomID, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg *Message) error {
	record := *msg
	if record.SentAt == 0 {
		record.SentAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	key := messagesKey(msg.RoomID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(record.SentAt), Member: string(data)})
	pipe.Expire(ctx, key, roomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (s *RedisStore) MessagesAfter(ctx context.Context, roomID, sessionID string, after int64, limit int) ([]*Message, error) {
	members, err := s.client.ZRangeByScore(ctx, messagesKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}

	out := make([]*Message, 0, limit)
	for _, member := range members {
		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			continue
		}
		if !msg.System && msg.From == sessionID {
			continue
		}
		out = append(out, &msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
