// Package peer drives a direct peer transport from idle to connected over
// the signaling relay, and keeps it alive through ICE restarts until the
// retry budget runs out.
package peer

import (
	"context"
	"encoding/json"
)

// SignalingState mirrors the negotiation state of the underlying
// transport. The state machine consults it before applying any inbound
// offer or answer because the relay guarantees no ordering across senders.
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
	SignalingOther
)

// TransportState is the connectivity state reported by the transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// Transport abstracts the peer connection so the state machine can be
// driven by pion in production and by a scripted fake in tests.
type Transport interface {
	// CreateOffer produces a local offer (optionally an ICE-restart
	// offer) and installs it as the local description.
	CreateOffer(ctx context.Context, iceRestart bool) (sdp string, err error)

	// CreateAnswer produces an answer to the current remote offer and
	// installs it as the local description.
	CreateAnswer(ctx context.Context) (sdp string, err error)

	// SetRemoteDescription applies the partner's offer or answer.
	SetRemoteDescription(ctx context.Context, sdpType, sdp string) error

	// AddICECandidate applies one remote candidate. The caller guarantees
	// a remote description is already set.
	AddICECandidate(candidate json.RawMessage) error

	SignalingState() SignalingState

	// OnICECandidate registers the trickle-ICE callback for locally
	// gathered candidates.
	OnICECandidate(fn func(candidate json.RawMessage))

	// OnStateChange registers the connectivity callback.
	OnStateChange(fn func(state TransportState))

	// ApplyBandwidthLimit caps the inbound video bitrate. Called exactly
	// once per successful connection establishment.
	ApplyBandwidthLimit(maxKbps int) error

	// Close releases the transport. Idempotent.
	Close() error
}

// TransportFactory acquires local media and produces a fresh transport.
// Failures are classified by the factory (media denied, media unsupported)
// before they reach the state machine.
type TransportFactory func(ctx context.Context) (Transport, error)

// sdpPayload is the offer/answer envelope payload.
type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
