package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps sessions as JSON blobs whose TTL is the expiry window;
// a session that stops heartbeating simply falls out of redis. Bans and
// report counters are plain keys with TTLs.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(sessionID string) string { return "session:" + sessionID }
func banKey(ipHash string) string        { return "ban:" + ipHash }
func reportsKey(sessionID string) string { return "reports:pending:" + sessionID }

func (s *RedisStore) Put(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string, at time.Time, ttl time.Duration) (bool, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	sess.LastHeartbeat = at
	if err := s.Put(ctx, sess, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *RedisStore) IsBanned(ctx context.Context, ipHash string) (bool, error) {
	n, err := s.client.Exists(ctx, banKey(ipHash)).Result()
	if err != nil {
		return false, fmt.Errorf("checking ban: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Ban(ctx context.Context, ipHash string, d time.Duration) error {
	if err := s.client.Set(ctx, banKey(ipHash), "1", d).Err(); err != nil {
		return fmt.Errorf("storing ban: %w", err)
	}
	return nil
}

func (s *RedisStore) AddReport(ctx context.Context, sessionID string) (int, error) {
	pending, err := s.client.Incr(ctx, reportsKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing reports: %w", err)
	}
	// Pending reports age out with the ban window.
	s.client.Expire(ctx, reportsKey(sessionID), banDuration)
	return int(pending), nil
}

func (s *RedisStore) ClearReports(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, reportsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clearing reports: %w", err)
	}
	return nil
}
