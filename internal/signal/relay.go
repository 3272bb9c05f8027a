package signal

import "context"

// Relay is the broadcast primitive used to exchange envelopes between the
// two participants of a channel. Delivery is at-least-once to current
// subscribers only: an envelope sent before a participant subscribed is
// gone (no store-and-forward), which is why negotiation starts with a
// ready handshake and why the HTTP fallback store exists.
//
// Within one channel a single sender's envelopes arrive in send order;
// nothing is guaranteed across senders.
type Relay interface {
	// Open subscribes to a channel. selfID is the subscriber's session
	// id; envelopes the subscriber itself published are suppressed.
	Open(ctx context.Context, channel, selfID string) (Handle, error)
}

// Publisher is the server-side half of the relay: push an envelope into a
// channel without holding a subscription. Delivery reaches only current
// subscribers, like Handle.Send.
type Publisher interface {
	Publish(ctx context.Context, channel string, env Envelope) error
}

// Handle is one participant's subscription to a relay channel.
type Handle interface {
	// Ready is closed once the handle is actively receiving. Envelopes
	// sent before that point are not delivered.
	Ready() <-chan struct{}

	// Events delivers validated envelopes from other senders. The channel
	// is closed when the handle is closed. Filtering by To is the
	// consumer's job.
	Events() <-chan Envelope

	// Send broadcasts an envelope to all other current subscribers.
	Send(ctx context.Context, env Envelope) error

	// Close unsubscribes. Idempotent.
	Close() error
}
