package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Compile-time interface checks.
var (
	_ Relay     = (*RedisRelay)(nil)
	_ Publisher = (*RedisRelay)(nil)
)

// RedisRelay implements Relay on redis pub/sub. One redis channel per room
// channel, key "relay:<channel>". Redis delivers published messages to all
// current subscribers and drops them for everyone else, which matches the
// relay contract exactly.
type RedisRelay struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisRelay(client *redis.Client, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{client: client, logger: logger}
}

func (r *RedisRelay) Open(ctx context.Context, channel, selfID string) (Handle, error) {
	pubsub := r.client.Subscribe(ctx, "relay:"+channel)

	// The first Receive returns the subscription confirmation; only after
	// that is the handle actively receiving.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to relay channel %s: %w", channel, err)
	}

	h := &redisHandle{
		client:  r.client,
		pubsub:  pubsub,
		channel: channel,
		selfID:  selfID,
		ready:   make(chan struct{}),
		events:  make(chan Envelope, 32),
		logger:  r.logger.With().Str("relay_channel", channel).Logger(),
	}
	close(h.ready)

	go h.readLoop()
	return h, nil
}

// Publish pushes an envelope into a channel without subscribing; the HTTP
// signal endpoint uses this on behalf of a participant.
func (r *RedisRelay) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, "relay:"+channel, data).Err(); err != nil {
		return fmt.Errorf("publishing relay envelope: %w", err)
	}
	return nil
}

type redisHandle struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	selfID  string
	ready   chan struct{}
	events  chan Envelope
	logger  zerolog.Logger

	closeOnce sync.Once
}

func (h *redisHandle) Ready() <-chan struct{}  { return h.ready }
func (h *redisHandle) Events() <-chan Envelope { return h.events }

func (h *redisHandle) readLoop() {
	defer close(h.events)

	for msg := range h.pubsub.Channel() {
		env, err := Decode([]byte(msg.Payload))
		if err != nil {
			h.logger.Warn().Err(err).Msg("dropping malformed relay envelope")
			continue
		}
		// Redis pub/sub echoes our own publishes back; the relay contract
		// suppresses self-delivery.
		if env.From == h.selfID {
			continue
		}
		h.events <- env
	}
}

func (h *redisHandle) Send(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := h.client.Publish(ctx, "relay:"+h.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing relay envelope: %w", err)
	}
	return nil
}

func (h *redisHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.pubsub.Close()
	})
	return err
}
