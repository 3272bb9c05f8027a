package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/apperr"
	"github.com/driftchat/driftchat/internal/room"
	"github.com/driftchat/driftchat/internal/signal"
)

// State is the connection state observed by the session controller.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Config wires one Conn. Zero durations fall back to the defaults below.
type Config struct {
	SelfID  string
	Relay   signal.Relay
	Factory TransportFactory

	// Fallback, when set, is polled while negotiating so envelopes the
	// push relay dropped still arrive. Outbound envelopes are appended to
	// it for the partner's poller.
	Fallback signal.FallbackStore

	ConnectTimeout time.Duration // total negotiation silence budget
	ICEGrace       time.Duration // disconnected -> restart grace
	OfferResend    time.Duration // resend window after the first offer
	OfferGuard     time.Duration // send an offer even if ready never came
	FallbackPoll   time.Duration
	MaxReconnects  int
	MaxVideoKbps   int // 0 disables the inbound video cap

	Logger zerolog.Logger
}

const (
	defaultConnectTimeout = 20 * time.Second
	defaultICEGrace       = 2500 * time.Millisecond
	defaultOfferResend    = time.Second
	defaultOfferGuard     = 3 * time.Second
	defaultFallbackPoll   = 2 * time.Second
	defaultMaxReconnects  = 3
)

// Conn drives one peer connection from idle to connected over the relay
// and keeps it alive through ICE restarts. All mutable state lives behind
// one mutex; timers and relay events carry a generation token and no-op
// when a teardown has moved the generation on.
type Conn struct {
	cfg Config

	mu            sync.Mutex
	state         State
	gen           uint64
	stopped       bool
	partnerID     string
	roomID        string
	initiator     bool
	transport     Transport
	handle        signal.Handle
	pending       []json.RawMessage
	remoteSet     bool
	offerSent     bool
	lastOffer     string
	lastRestart   bool
	capApplied    bool
	everConnected bool
	reconnects    int
	lastErr       error

	observers map[int]func(State)
	nextObs   int
}

func New(cfg Config) *Conn {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ICEGrace <= 0 {
		cfg.ICEGrace = defaultICEGrace
	}
	if cfg.OfferResend <= 0 {
		cfg.OfferResend = defaultOfferResend
	}
	if cfg.OfferGuard <= 0 {
		cfg.OfferGuard = defaultOfferGuard
	}
	if cfg.FallbackPoll <= 0 {
		cfg.FallbackPoll = defaultFallbackPoll
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	return &Conn{
		cfg:       cfg,
		state:     StateIdle,
		observers: make(map[int]func(State)),
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the connection to failed, nil otherwise.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Subscribe registers a state observer and returns its unregister
// function. Observers run with the connection lock held; they must return
// quickly and must not call back into the Conn.
func (c *Conn) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Start assigns a partner and runs negotiation: acquire media, open the
// relay channel named after the sorted id pair, announce ready, and let
// the initiator (lexicographically smaller id) drive the offer exchange.
// Any previous negotiation is torn down first.
func (c *Conn) Start(ctx context.Context, partnerID string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.cleanupLocked()
	}
	c.gen++
	gen := c.gen
	c.stopped = false
	c.partnerID = partnerID
	c.roomID = room.DeriveID(c.cfg.SelfID, partnerID)
	c.initiator = c.cfg.SelfID < partnerID
	c.lastErr = nil
	c.setStateLocked(StateInitializing)
	c.mu.Unlock()

	transport, err := c.cfg.Factory(ctx)
	if err != nil {
		// The factory classifies its own failures (media denied, media
		// unsupported); anything else is a transport fault.
		if apperr.From(err).Code == apperr.CodeUnknown {
			err = apperr.WebRTCFailed(err)
		}
		return c.failSetup(gen, err)
	}

	handle, err := c.cfg.Relay.Open(ctx, c.roomID, c.cfg.SelfID)
	if err != nil {
		transport.Close()
		return c.failSetup(gen, apperr.Network(err))
	}

	select {
	case <-handle.Ready():
	case <-ctx.Done():
		transport.Close()
		handle.Close()
		return c.failSetup(gen, apperr.Network(ctx.Err()))
	}

	c.mu.Lock()
	if c.gen != gen {
		// Torn down while we were setting up.
		c.mu.Unlock()
		transport.Close()
		handle.Close()
		return nil
	}
	c.transport = transport
	c.handle = handle
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	transport.OnICECandidate(func(candidate json.RawMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return
		}
		c.sendLocked(signal.Envelope{
			Kind:    signal.KindCandidate,
			From:    c.cfg.SelfID,
			To:      c.partnerID,
			Payload: candidate,
		})
	})
	transport.OnStateChange(func(state TransportState) {
		c.onTransportState(gen, state)
	})

	go c.eventLoop(gen, handle)
	if c.cfg.Fallback != nil {
		go c.fallbackLoop(gen)
	}

	c.mu.Lock()
	c.sendLocked(signal.Envelope{Kind: signal.KindReady, From: c.cfg.SelfID, To: partnerID})
	c.mu.Unlock()

	c.schedule(gen, c.cfg.ConnectTimeout, c.connectTimeoutLocked)
	if c.initiator {
		// The partner's ready may have been sent before we subscribed and
		// therefore lost. Offer anyway after the guard delay.
		c.schedule(gen, c.cfg.OfferGuard, func(gen uint64) {
			if !c.offerSent && !c.everConnected {
				c.sendOfferLocked(gen, false)
			}
		})
	}
	return nil
}

// RetryConnection resets the reconnect budget, tears down, and re-runs the
// full negotiation against the same partner from scratch.
func (c *Conn) RetryConnection(ctx context.Context) error {
	c.mu.Lock()
	partner := c.partnerID
	c.cleanupLocked()
	c.mu.Unlock()

	if partner == "" {
		return fmt.Errorf("no partner assigned")
	}
	return c.Start(ctx, partner)
}

// Cleanup tears the connection down to idle: closes the transport,
// unsubscribes from the relay, clears buffered candidates and invalidates
// all pending timers. Safe from any state and idempotent.
func (c *Conn) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
}

// Stop is Cleanup plus observer suppression: after Stop no further state
// transitions are delivered to subscribers.
func (c *Conn) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cleanupLocked()
}

// Deliver feeds one envelope into the machine, exactly as if the relay had
// pushed it. Used by the HTTP fallback path.
func (c *Conn) Deliver(env signal.Envelope) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.dispatch(gen, env)
}

func (c *Conn) cleanupLocked() {
	c.gen++
	transport := c.transport
	handle := c.handle
	c.transport = nil
	c.handle = nil
	c.pending = nil
	c.remoteSet = false
	c.offerSent = false
	c.lastOffer = ""
	c.lastRestart = false
	c.capApplied = false
	c.everConnected = false
	c.reconnects = 0
	c.partnerID = ""
	c.roomID = ""
	c.setStateLocked(StateIdle)

	// Closing can re-enter via transport callbacks; do it off-lock.
	if transport != nil || handle != nil {
		go func() {
			if transport != nil {
				transport.Close()
			}
			if handle != nil {
				handle.Close()
			}
		}()
	}
}

func (c *Conn) failSetup(gen uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil
	}
	c.failLocked(err)
	return err
}

func (c *Conn) failLocked(err error) {
	c.lastErr = err
	c.gen++
	transport := c.transport
	handle := c.handle
	c.transport = nil
	c.handle = nil
	c.pending = nil
	c.setStateLocked(StateFailed)
	c.cfg.Logger.Warn().Err(err).Str("room", c.roomID).Msg("connection failed")

	if transport != nil || handle != nil {
		go func() {
			if transport != nil {
				transport.Close()
			}
			if handle != nil {
				handle.Close()
			}
		}()
	}
}

func (c *Conn) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	if c.stopped {
		return
	}
	for _, fn := range c.observers {
		c.notify(fn, state)
	}
}

func (c *Conn) notify(fn func(State), state State) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.Error().Interface("panic", r).Msg("state observer panicked")
		}
	}()
	fn(state)
}

// schedule arms a timer whose callback runs under the lock only while gen
// is still current. Stale timers fall through without touching anything.
func (c *Conn) schedule(gen uint64, d time.Duration, fn func(gen uint64)) {
	time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return
		}
		fn(gen)
	})
}

func (c *Conn) eventLoop(gen uint64, handle signal.Handle) {
	for env := range handle.Events() {
		c.dispatch(gen, env)
	}
}

func (c *Conn) fallbackLoop(gen uint64) {
	// A small rewind covers envelopes the partner stored just before we
	// started polling.
	cursor := time.Now().Add(-5 * time.Second).UnixMilli()
	ticker := time.NewTicker(c.cfg.FallbackPoll)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		roomID, selfID, connected := c.roomID, c.cfg.SelfID, c.state == StateConnected
		c.mu.Unlock()

		if connected {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FallbackPoll)
		envs, err := c.cfg.Fallback.After(ctx, roomID, selfID, cursor, 10)
		cancel()
		if err != nil {
			c.cfg.Logger.Debug().Err(err).Msg("fallback poll failed")
			continue
		}
		for _, env := range envs {
			cursor = env.SentAt
			c.dispatch(gen, env)
		}
	}
}

func (c *Conn) dispatch(gen uint64, env signal.Envelope) {
	if env.To != c.cfg.SelfID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || env.From != c.partnerID {
		return
	}

	switch env.Kind {
	case signal.KindReady:
		c.onReadyLocked(gen)
	case signal.KindOffer:
		c.onOfferLocked(env)
	case signal.KindAnswer:
		c.onAnswerLocked(env)
	case signal.KindCandidate:
		c.onCandidateLocked(env)
	}
}

func (c *Conn) onReadyLocked(gen uint64) {
	if !c.initiator {
		return
	}
	if !c.offerSent {
		c.sendOfferLocked(gen, false)
		return
	}
	if c.state != StateConnected {
		// An unexpected ready after we offered means the partner restarted
		// negotiation (its answer or our offer was lost, or it wants an
		// ICE restart). Offer again with fresh credentials.
		c.sendOfferLocked(gen, true)
	}
}

func (c *Conn) sendOfferLocked(gen uint64, iceRestart bool) {
	if c.transport == nil {
		return
	}
	sdp, err := c.transport.CreateOffer(context.Background(), iceRestart)
	if err != nil {
		c.failLocked(apperr.WebRTCFailed(err))
		return
	}
	c.offerSent = true
	c.lastOffer = sdp
	c.lastRestart = iceRestart
	c.sendSDPLocked(signal.KindOffer, sdp)

	// Resend once shortly after: the partner's subscription may have raced
	// our send.
	c.schedule(gen, c.cfg.OfferResend, func(uint64) {
		if c.state != StateConnected && c.lastOffer != "" {
			c.sendSDPLocked(signal.KindOffer, c.lastOffer)
		}
	})
}

func (c *Conn) onOfferLocked(env signal.Envelope) {
	if c.transport == nil {
		return
	}
	if c.transport.SignalingState() != SignalingStable {
		// Glare or a retransmit while we hold a local offer: the
		// initiator's offer wins, so the non-initiator path never applies
		// a competing one.
		c.cfg.Logger.Debug().Str("room", c.roomID).Msg("discarding offer in non-stable state")
		return
	}
	var payload sdpPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("malformed offer payload")
		return
	}
	if err := c.transport.SetRemoteDescription(context.Background(), "offer", payload.SDP); err != nil {
		c.failLocked(apperr.WebRTCFailed(err))
		return
	}
	c.remoteSet = true
	c.drainCandidatesLocked()

	answer, err := c.transport.CreateAnswer(context.Background())
	if err != nil {
		c.failLocked(apperr.WebRTCFailed(err))
		return
	}
	c.sendSDPLocked(signal.KindAnswer, answer)
}

func (c *Conn) onAnswerLocked(env signal.Envelope) {
	if c.transport == nil {
		return
	}
	if c.transport.SignalingState() != SignalingHaveLocalOffer {
		// Stale or duplicate answer.
		return
	}
	var payload sdpPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("malformed answer payload")
		return
	}
	if err := c.transport.SetRemoteDescription(context.Background(), "answer", payload.SDP); err != nil {
		c.failLocked(apperr.WebRTCFailed(err))
		return
	}
	c.remoteSet = true
	c.drainCandidatesLocked()
}

func (c *Conn) onCandidateLocked(env signal.Envelope) {
	if !c.remoteSet {
		c.pending = append(c.pending, env.Payload)
		return
	}
	if c.transport == nil {
		return
	}
	if err := c.transport.AddICECandidate(env.Payload); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("applying ICE candidate")
	}
}

// drainCandidatesLocked applies the buffer exactly once: the slice is
// cleared before applying so a re-entrant call cannot replay it.
func (c *Conn) drainCandidatesLocked() {
	pending := c.pending
	c.pending = nil
	for _, candidate := range pending {
		if err := c.transport.AddICECandidate(candidate); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("applying buffered ICE candidate")
		}
	}
}

func (c *Conn) sendSDPLocked(kind signal.Kind, sdp string) {
	payload, err := json.Marshal(sdpPayload{Type: string(kind), SDP: sdp})
	if err != nil {
		c.cfg.Logger.Error().Err(err).Msg("encoding SDP payload")
		return
	}
	c.sendLocked(signal.Envelope{
		Kind:    kind,
		From:    c.cfg.SelfID,
		To:      c.partnerID,
		Payload: payload,
	})
}

func (c *Conn) sendLocked(env signal.Envelope) {
	if c.handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.handle.Send(ctx, env); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("relay send failed")
	}
	if c.cfg.Fallback != nil {
		if err := c.cfg.Fallback.Append(ctx, c.roomID, env); err != nil {
			c.cfg.Logger.Debug().Err(err).Msg("fallback append failed")
		}
	}
}

func (c *Conn) onTransportState(gen uint64, state TransportState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}

	switch state {
	case TransportConnected:
		c.reconnects = 0
		c.everConnected = true
		if !c.capApplied && c.cfg.MaxVideoKbps > 0 {
			if err := c.transport.ApplyBandwidthLimit(c.cfg.MaxVideoKbps); err != nil {
				c.cfg.Logger.Warn().Err(err).Msg("applying bandwidth limit")
			}
			c.capApplied = true
		}
		c.setStateLocked(StateConnected)

	case TransportDisconnected:
		c.capApplied = false
		c.setStateLocked(StateReconnecting)
		// Give the transport a grace window to recover on its own before
		// forcing a restart.
		c.schedule(gen, c.cfg.ICEGrace, func(gen uint64) {
			if c.state == StateReconnecting {
				c.restartLocked(gen)
			}
		})

	case TransportFailed:
		c.capApplied = false
		c.restartLocked(gen)
	}
}

func (c *Conn) restartLocked(gen uint64) {
	c.reconnects++
	if c.reconnects > c.cfg.MaxReconnects {
		c.failLocked(apperr.WebRTCFailed(fmt.Errorf("ICE restart budget exhausted after %d attempts", c.cfg.MaxReconnects)))
		return
	}
	c.setStateLocked(StateReconnecting)
	c.cfg.Logger.Info().Int("attempt", c.reconnects).Str("room", c.roomID).Msg("ICE restart")

	if c.initiator {
		c.sendOfferLocked(gen, true)
		return
	}
	// Only the offering side can restart ICE, so the non-initiator asks
	// for one by re-announcing ready.
	c.sendLocked(signal.Envelope{Kind: signal.KindReady, From: c.cfg.SelfID, To: c.partnerID})
}

func (c *Conn) connectTimeoutLocked(uint64) {
	if c.everConnected {
		return
	}
	c.failLocked(apperr.ConnectionTimeout(fmt.Errorf("no connection after %s", c.cfg.ConnectTimeout)))
}
