package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/apperr"
)

// Compile-time interface check.
var _ Transport = (*PionTransport)(nil)

// PionTransport implements Transport on a pion PeerConnection with
// recvonly audio/video transceivers and a chat data channel. The data
// channel doubles as the trigger that puts an application section in the
// SDP even before any media flows.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu      sync.Mutex
	onState func(TransportState)
}

// NewPionFactory returns a TransportFactory backed by pion. iceServers
// carries the externally supplied STUN/TURN configuration; empty means
// host candidates only, which is enough for same-LAN and test runs.
func NewPionFactory(iceServers []webrtc.ICEServer, logger zerolog.Logger) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		media := &webrtc.MediaEngine{}
		if err := media.RegisterDefaultCodecs(); err != nil {
			return nil, apperr.MediaNotSupported(err)
		}

		// Loopback candidates keep same-machine runs and tests working
		// when loopback is the only interface.
		settingEngine := webrtc.SettingEngine{}
		settingEngine.SetIncludeLoopbackCandidate(true)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(media),
			webrtc.WithSettingEngine(settingEngine),
		)
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, apperr.WebRTCFailed(err)
		}

		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, apperr.MediaNotSupported(err)
			}
		}
		if _, err := pc.CreateDataChannel("chat", nil); err != nil {
			pc.Close()
			return nil, apperr.WebRTCFailed(err)
		}

		t := &PionTransport{pc: pc, logger: logger}
		pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
			t.logger.Debug().Str("ice_state", state.String()).Msg("ICE state change")
			t.mu.Lock()
			fn := t.onState
			t.mu.Unlock()
			if fn != nil {
				fn(mapICEState(state))
			}
		})
		return t, nil
	}
}

func mapICEState(state webrtc.ICEConnectionState) TransportState {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return TransportNew
	case webrtc.ICEConnectionStateChecking:
		return TransportConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return TransportConnected
	case webrtc.ICEConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.ICEConnectionStateFailed:
		return TransportFailed
	default:
		return TransportClosed
	}
}

func (t *PionTransport) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	var options *webrtc.OfferOptions
	if iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(options)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local offer: %w", err)
	}
	return offer.SDP, nil
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local answer: %w", err)
	}
	return answer.SDP, nil
}

func (t *PionTransport) SetRemoteDescription(ctx context.Context, sdpType, sdp string) error {
	description := webrtc.SessionDescription{SDP: sdp}
	switch sdpType {
	case "offer":
		description.Type = webrtc.SDPTypeOffer
	case "answer":
		description.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported SDP type %q", sdpType)
	}
	if err := t.pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote %s: %w", sdpType, err)
	}
	return nil
}

func (t *PionTransport) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decoding ICE candidate: %w", err)
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (t *PionTransport) SignalingState() SignalingState {
	switch t.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return SignalingStable
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingHaveRemoteOffer
	default:
		return SignalingOther
	}
}

func (t *PionTransport) OnICECandidate(fn func(json.RawMessage)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-candidates marker.
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.logger.Error().Err(err).Msg("marshalling ICE candidate")
			return
		}
		fn(data)
	})
}

func (t *PionTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// ApplyBandwidthLimit sends a REMB packet per received video track,
// telling the remote sender to cap its bitrate.
func (t *PionTransport) ApplyBandwidthLimit(maxKbps int) error {
	if maxKbps <= 0 {
		return nil
	}
	for _, receiver := range t.pc.GetReceivers() {
		track := receiver.Track()
		if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		packet := &rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(maxKbps * 1000),
			SSRCs:   []uint32{uint32(track.SSRC())},
		}
		if err := t.pc.WriteRTCP([]rtcp.Packet{packet}); err != nil {
			return fmt.Errorf("sending REMB: %w", err)
		}
	}
	return nil
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}
