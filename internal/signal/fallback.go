package signal

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FallbackStore is the pull path for negotiation messages: every envelope
// POSTed to the signal endpoint is appended here, and a client that
// suspects the push relay dropped something pages forward by timestamp.
type FallbackStore interface {
	// Append records env for the room, stamping SentAt.
	Append(ctx context.Context, roomID string, env Envelope) error

	// After returns up to limit envelopes sent by the other participant
	// (From != selfID) with SentAt strictly greater than after, in
	// ascending SentAt order.
	After(ctx context.Context, roomID, selfID string, after int64, limit int) ([]Envelope, error)
}

const fallbackTTL = 24 * time.Hour

// Compile-time interface checks.
var (
	_ FallbackStore = (*RedisFallback)(nil)
	_ FallbackStore = (*MemoryFallback)(nil)
)

// RedisFallback stores envelopes in a sorted set per room, scored by the
// send timestamp in unix milliseconds.
type RedisFallback struct {
	client *redis.Client
}

func NewRedisFallback(client *redis.Client) *RedisFallback {
	return &RedisFallback{client: client}
}

func fallbackKey(roomID string) string { return "signals:" + roomID }

func (f *RedisFallback) Append(ctx context.Context, roomID string, env Envelope) error {
	env.SentAt = time.Now().UnixMilli()
	data, err := Encode(env)
	if err != nil {
		return err
	}

	key := fallbackKey(roomID)
	pipe := f.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(env.SentAt), Member: string(data)})
	pipe.Expire(ctx, key, fallbackTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending signal envelope: %w", err)
	}
	return nil
}

func (f *RedisFallback) After(ctx context.Context, roomID, selfID string, after int64, limit int) ([]Envelope, error) {
	members, err := f.client.ZRangeByScore(ctx, fallbackKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading signal envelopes: %w", err)
	}

	envelopes := make([]Envelope, 0, limit)
	for _, member := range members {
		env, err := Decode([]byte(member))
		if err != nil {
			continue
		}
		if env.From == selfID {
			continue
		}
		envelopes = append(envelopes, env)
		if len(envelopes) == limit {
			break
		}
	}
	return envelopes, nil
}

// MemoryFallback is the in-process FallbackStore for tests and single-node
// deployments.
type MemoryFallback struct {
	mu    sync.Mutex
	rooms map[string][]Envelope
	clock func() int64
}

func NewMemoryFallback() *MemoryFallback {
	return &MemoryFallback{
		rooms: make(map[string][]Envelope),
		clock: func() int64 { return time.Now().UnixMilli() },
	}
}

func (f *MemoryFallback) Append(ctx context.Context, roomID string, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	env.SentAt = f.clock()
	// Keep deterministic ordering even when two appends share a
	// millisecond.
	if entries := f.rooms[roomID]; len(entries) > 0 && entries[len(entries)-1].SentAt >= env.SentAt {
		env.SentAt = entries[len(entries)-1].SentAt + 1
	}
	f.rooms[roomID] = append(f.rooms[roomID], env)
	return nil
}

func (f *MemoryFallback) After(ctx context.Context, roomID, selfID string, after int64, limit int) ([]Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var envelopes []Envelope
	for _, env := range f.rooms[roomID] {
		if env.SentAt <= after || env.From == selfID {
			continue
		}
		envelopes = append(envelopes, env)
	}
	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].SentAt < envelopes[j].SentAt })
	if len(envelopes) > limit {
		envelopes = envelopes[:limit]
	}
	return envelopes, nil
}
