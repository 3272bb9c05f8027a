package signal

import (
	"context"
	"sync"
)

// Compile-time interface checks.
var (
	_ Relay     = (*MemoryRelay)(nil)
	_ Publisher = (*MemoryRelay)(nil)
)

// MemoryRelay is an in-process Relay for tests and single-node use. Like
// the production relay it has no store-and-forward: an envelope reaches
// only the handles subscribed at send time.
type MemoryRelay struct {
	mu       sync.Mutex
	channels map[string]map[*memoryHandle]struct{}
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{channels: make(map[string]map[*memoryHandle]struct{})}
}

func (r *MemoryRelay) Open(ctx context.Context, channel, selfID string) (Handle, error) {
	h := &memoryHandle{
		relay:   r,
		channel: channel,
		selfID:  selfID,
		ready:   make(chan struct{}),
		events:  make(chan Envelope, 32),
	}

	r.mu.Lock()
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[*memoryHandle]struct{})
		r.channels[channel] = subs
	}
	subs[h] = struct{}{}
	r.mu.Unlock()

	close(h.ready)
	return h, nil
}

// Publish delivers to every current subscriber except the sender itself,
// mirroring Handle.Send for callers without a subscription.
func (r *MemoryRelay) Publish(ctx context.Context, channel string, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	targets := make([]*memoryHandle, 0, len(r.channels[channel]))
	for sub := range r.channels[channel] {
		if sub.selfID != env.From {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- env:
		default:
		}
	}
	return nil
}

type memoryHandle struct {
	relay   *MemoryRelay
	channel string
	selfID  string
	ready   chan struct{}
	events  chan Envelope

	closeOnce sync.Once
}

func (h *memoryHandle) Ready() <-chan struct{}  { return h.ready }
func (h *memoryHandle) Events() <-chan Envelope { return h.events }

func (h *memoryHandle) Send(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	h.relay.mu.Lock()
	targets := make([]*memoryHandle, 0, len(h.relay.channels[h.channel]))
	for sub := range h.relay.channels[h.channel] {
		if sub != h && sub.selfID != h.selfID {
			targets = append(targets, sub)
		}
	}
	h.relay.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- env:
		default:
			// Subscriber is not draining; the relay is lossy by contract.
		}
	}
	return nil
}

func (h *memoryHandle) Close() error {
	h.closeOnce.Do(func() {
		h.relay.mu.Lock()
		if subs, ok := h.relay.channels[h.channel]; ok {
			delete(subs, h)
			if len(subs) == 0 {
				delete(h.relay.channels, h.channel)
			}
		}
		h.relay.mu.Unlock()
		close(h.events)
	})
	return nil
}
