// Package signal carries connection-negotiation messages between the two
// participants of a room: a broadcast relay for push delivery and a
// timestamp-paged fallback store for envelopes the relay dropped.
package signal

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the envelope payload.
type Kind string

const (
	KindReady     Kind = "ready"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
)

// Envelope is one negotiation message. The relay is a broadcast primitive
// shared by both participants; receivers discard envelopes whose To is not
// their own id.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// SentAt is set by the fallback store (unix milliseconds); zero for
	// envelopes delivered over the push relay.
	SentAt int64 `json:"sentAt,omitempty"`
}

// Validate checks the tagged union at the relay boundary, before dispatch.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindReady, KindOffer, KindAnswer, KindCandidate:
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if e.From == "" {
		return fmt.Errorf("envelope missing from")
	}
	if e.To == "" {
		return fmt.Errorf("envelope missing to")
	}
	if e.Kind != KindReady && len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope missing payload", e.Kind)
	}
	return nil
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
