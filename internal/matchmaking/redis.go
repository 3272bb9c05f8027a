package matchmaking

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface checks.
var (
	_ Store    = (*RedisStore)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)

// queueEntryTTL bounds how long an abandoned entry can linger. Session
// destruction cascades deletion long before this; the TTL only catches
// clients that vanished without a heartbeat expiry.
const queueEntryTTL = time.Hour

// claimScript is the conditional claim: set matchedWith only while it is
// still empty, in a single atomic round trip. Exactly one of two racing
// claimers sees 1.
var claimScript = redis.NewScript(`
local matched = redis.call('HGET', KEYS[1], 'matchedWith')
if matched == false or matched ~= '' then
  return 0
end
redis.call('HSET', KEYS[1], 'matchedWith', ARGV[1], 'matchedAt', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

// RedisStore persists queue entries as hashes with a per-chat-type sorted
// set as the FIFO index, scored by creation time.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func entryKey(sessionID string) string    { return "queue:entry:" + sessionID }
func waitingKey(chatType ChatType) string { return "queue:waiting:" + string(chatType) }

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, entryKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading queue entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return entryFromFields(fields), nil
}

func (s *RedisStore) Upsert(ctx context.Context, entry *Entry) error {
	key := entryKey(entry.SessionID)
	matchedAt := ""
	if !entry.MatchedAt.IsZero() {
		matchedAt = strconv.FormatInt(entry.MatchedAt.UnixMilli(), 10)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"sessionId", entry.SessionID,
		"chatType", string(entry.ChatType),
		"matchedWith", entry.MatchedWith,
		"matchedAt", matchedAt,
		"createdAt", strconv.FormatInt(entry.CreatedAt.UnixMilli(), 10),
	)
	pipe.Expire(ctx, key, queueEntryTTL)
	if entry.MatchedWith == "" {
		pipe.ZAdd(ctx, waitingKey(entry.ChatType), redis.Z{
			Score:  float64(entry.CreatedAt.UnixMilli()),
			Member: entry.SessionID,
		})
	} else {
		pipe.ZRem(ctx, waitingKey(entry.ChatType), entry.SessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upserting queue entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Waiting(ctx context.Context, chatType ChatType, limit int) ([]*Entry, error) {
	ids, err := s.client.ZRange(ctx, waitingKey(chatType), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading waiting index: %w", err)
	}

	waiting := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.MatchedWith != "" {
			// Index lag: the entry expired or was claimed since the ZRANGE.
			s.client.ZRem(ctx, waitingKey(chatType), id)
			continue
		}
		waiting = append(waiting, entry)
	}
	return waiting, nil
}

func (s *RedisStore) Claim(ctx context.Context, sessionID, partnerID string, at time.Time) (bool, error) {
	chatType, err := s.client.HGet(ctx, entryKey(sessionID), "chatType").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading entry chat type: %w", err)
	}

	won, err := claimScript.Run(ctx, s.client,
		[]string{entryKey(sessionID), waitingKey(ChatType(chatType))},
		partnerID, strconv.FormatInt(at.UnixMilli(), 10), sessionID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("claiming queue entry: %w", err)
	}
	return won == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	entry, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, entryKey(sessionID))
	if entry != nil {
		pipe.ZRem(ctx, waitingKey(entry.ChatType), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting queue entry: %w", err)
	}
	return nil
}

func entryFromFields(fields map[string]string) *Entry {
	entry := &Entry{
		SessionID:   fields["sessionId"],
		ChatType:    ChatType(fields["chatType"]),
		MatchedWith: fields["matchedWith"],
	}
	if ms, err := strconv.ParseInt(fields["createdAt"], 10, 64); err == nil {
		entry.CreatedAt = time.UnixMilli(ms)
	}
	if fields["matchedAt"] != "" {
		if ms, err := strconv.ParseInt(fields["matchedAt"], 10, 64); err == nil {
			entry.MatchedAt = time.UnixMilli(ms)
		}
	}
	return entry
}

// RedisNotifier publishes match notifications on a per-session pub/sub
// channel. Subscribers that were not yet listening miss the message, which
// the controller's poll loop covers.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func matchChannel(sessionID string) string { return "match:" + sessionID }

func (n *RedisNotifier) NotifyMatched(ctx context.Context, sessionID, partnerID string) error {
	if err := n.client.Publish(ctx, matchChannel(sessionID), partnerID).Err(); err != nil {
		return fmt.Errorf("publishing match notification: %w", err)
	}
	return nil
}

func (n *RedisNotifier) SubscribeMatched(ctx context.Context, sessionID string) (<-chan string, func(), error) {
	pubsub := n.client.Subscribe(ctx, matchChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribing to match channel: %w", err)
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			default:
			}
		}
	}()

	return out, func() { pubsub.Close() }, nil
}
