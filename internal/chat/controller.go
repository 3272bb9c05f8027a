// Package chat orchestrates one participant's session: matchmaking
// lifecycle, feeding the matched partner into the peer connection, and the
// room's text message stream.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/apperr"
	"github.com/driftchat/driftchat/internal/matchmaking"
	"github.com/driftchat/driftchat/internal/peer"
	"github.com/driftchat/driftchat/internal/retry"
	"github.com/driftchat/driftchat/internal/room"
	"github.com/driftchat/driftchat/internal/session"
)

// Config wires one Controller.
type Config struct {
	SessionID string
	ChatType  matchmaking.ChatType

	Queue    *matchmaking.Queue
	Notifier matchmaking.Notifier
	Rooms    room.Store

	// Conn is the peer connection driven in video mode; nil in text mode,
	// where the message stream is the whole transport.
	Conn *peer.Conn

	PollInterval time.Duration // pollMatch safety-net interval
	QueueTimeout time.Duration // per matchmaking store round trip

	Logger zerolog.Logger
}

const (
	defaultPollInterval = 2 * time.Second
	defaultQueueTimeout = 15 * time.Second
	messagePageSize     = 50
)

// matchRetry bounds the local retry of transient matchmaking failures
// before they surface to the user.
var matchRetry = retry.Config{
	MaxAttempts:       3,
	InitialDelay:      time.Second,
	BackoffMultiplier: 1.5,
}

// Controller runs the chat lifecycle for one session. A match can arrive
// on two paths at once: the push subscription and the poll safety net.
// Whichever lands first wins; the other is a no-op behind the matched
// guard.
type Controller struct {
	cfg        Config
	supervisor *retry.Supervisor

	mu         sync.Mutex
	matched    bool
	stopped    bool
	foreground bool
	partnerID  string
	roomID     string
	msgCursor  int64
	cancelSub  func()
	cancelPoll context.CancelFunc
}

func NewController(cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = defaultQueueTimeout
	}
	return &Controller{
		cfg:        cfg,
		supervisor: retry.NewSupervisor(cfg.Logger),
		foreground: true,
	}
}

// Activate enters matchmaking. An immediate pairing is reported in the
// result; otherwise the controller keeps watching on both the push and the
// poll path until a partner arrives or Stop/Next intervenes.
func (c *Controller) Activate(ctx context.Context) (matchmaking.MatchResult, error) {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()

	var result matchmaking.MatchResult
	cfg := matchRetry
	cfg.PerAttemptTimeout = c.cfg.QueueTimeout
	err := c.supervisor.Execute(ctx, func(ctx context.Context) error {
		res, err := c.cfg.Queue.TryMatch(ctx, c.cfg.SessionID, c.cfg.ChatType)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, cfg)
	if err != nil {
		return matchmaking.MatchResult{}, apperr.MatchmakingFailed(err)
	}

	if result.Matched {
		if err := c.adoptMatch(ctx, result.PartnerID); err != nil {
			return result, err
		}
		return result, nil
	}

	c.startWatchers()
	return result, nil
}

// startWatchers arms the dual notification paths: a push subscription and
// the periodic poll. Both funnel into adoptMatch, which is idempotent.
func (c *Controller) startWatchers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.matched || c.stopped || c.cancelPoll != nil {
		return
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancelPoll = cancel

	events, cancelSub, err := c.cfg.Notifier.SubscribeMatched(pollCtx, c.cfg.SessionID)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("match subscription failed, poll only")
	} else {
		c.cancelSub = cancelSub
		go func() {
			select {
			case partnerID, ok := <-events:
				if ok && partnerID != "" {
					c.matchSignal(partnerID)
				}
			case <-pollCtx.Done():
			}
		}()
	}

	go c.pollLoop(pollCtx)
}

func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			skip := !c.foreground || c.matched || c.stopped
			c.mu.Unlock()
			if skip {
				continue
			}
			c.checkOnce(ctx)
		}
	}
}

func (c *Controller) checkOnce(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.QueueTimeout)
	res, err := c.cfg.Queue.PollMatch(opCtx, c.cfg.SessionID)
	cancel()
	if err != nil {
		c.cfg.Logger.Debug().Err(err).Msg("match poll failed")
		return
	}
	if res.Matched {
		c.matchSignal(res.PartnerID)
	}
}

// matchSignal is the single entry point for both notification paths.
func (c *Controller) matchSignal(partnerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueueTimeout)
	defer cancel()
	if err := c.adoptMatch(ctx, partnerID); err != nil {
		c.cfg.Logger.Error().Err(err).Str("partner_id", partnerID).Msg("adopting match failed")
	}
}

// adoptMatch records the pairing once; duplicate signals fall out at the
// matched guard. Video mode hands the partner to the connection machine.
func (c *Controller) adoptMatch(ctx context.Context, partnerID string) error {
	c.mu.Lock()
	if c.matched || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.matched = true
	c.partnerID = partnerID
	c.roomID = room.DeriveID(c.cfg.SessionID, partnerID)
	roomID := c.roomID
	c.stopWatchersLocked()
	c.mu.Unlock()

	a, b := c.cfg.SessionID, partnerID
	if a > b {
		a, b = b, a
	}
	if err := c.cfg.Rooms.Create(ctx, &room.Room{
		ID:           roomID,
		ParticipantA: a,
		ParticipantB: b,
		Status:       room.StatusActive,
		CreatedAt:    time.Now(),
	}); err != nil {
		return apperr.Server(err)
	}

	c.cfg.Logger.Info().
		Str("session_id", c.cfg.SessionID).
		Str("partner_id", partnerID).
		Str("room_id", roomID).
		Msg("match adopted")

	if c.cfg.ChatType == matchmaking.ChatVideo && c.cfg.Conn != nil {
		if err := c.cfg.Conn.Start(ctx, partnerID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) stopWatchersLocked() {
	if c.cancelSub != nil {
		c.cancelSub()
		c.cancelSub = nil
	}
	if c.cancelPoll != nil {
		c.cancelPoll()
		c.cancelPoll = nil
	}
}

// SetForeground pauses the poll safety net while backgrounded and resumes
// it on return. Resuming re-checks immediately instead of waiting out the
// current tick.
func (c *Controller) SetForeground(fg bool) {
	c.mu.Lock()
	was := c.foreground
	c.foreground = fg
	watching := c.cancelPoll != nil && !c.matched && !c.stopped
	c.mu.Unlock()

	if fg && !was && watching {
		go c.checkOnce(context.Background())
	}
}

// Next abandons the current pairing and immediately re-enters matchmaking:
// queue entry cancelled, room ended for the partner, connection torn down.
func (c *Controller) Next(ctx context.Context) (matchmaking.MatchResult, error) {
	if err := c.teardown(ctx, false); err != nil {
		return matchmaking.MatchResult{}, err
	}
	return c.Activate(ctx)
}

// Stop is terminal: cancel, teardown, no re-enqueue.
func (c *Controller) Stop(ctx context.Context) error {
	return c.teardown(ctx, true)
}

func (c *Controller) teardown(ctx context.Context, terminal bool) error {
	c.mu.Lock()
	roomID := c.roomID
	c.matched = false
	c.partnerID = ""
	c.roomID = ""
	c.msgCursor = 0
	c.stopped = terminal
	c.stopWatchersLocked()
	c.mu.Unlock()

	c.supervisor.Reset()

	if err := c.cfg.Queue.Cancel(ctx, c.cfg.SessionID); err != nil {
		return err
	}
	if c.cfg.Conn != nil {
		if terminal {
			c.cfg.Conn.Stop()
		} else {
			c.cfg.Conn.Cleanup()
		}
	}
	if roomID != "" {
		if err := session.EndRoom(ctx, c.cfg.Rooms, roomID); err != nil {
			c.cfg.Logger.Warn().Err(err).Str("room_id", roomID).Msg("ending room failed")
		}
	}
	return nil
}

// SendText appends a message to the active room's stream. Sends into an
// ended or missing room are rejected.
func (c *Controller) SendText(ctx context.Context, body string) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return apperr.PartnerDisconnected()
	}

	current, err := c.cfg.Rooms.Get(ctx, roomID)
	if err != nil {
		return apperr.Server(err)
	}
	if current == nil || current.Status != room.StatusActive {
		return apperr.PartnerDisconnected()
	}

	if err := c.cfg.Rooms.AppendMessage(ctx, &room.Message{
		ID:     uuid.New().String(),
		RoomID: roomID,
		From:   c.cfg.SessionID,
		Body:   body,
	}); err != nil {
		return apperr.Server(err)
	}
	return nil
}

// Messages returns the partner's (and system) messages since the last
// call, plus the room's current status so the caller observes teardown.
func (c *Controller) Messages(ctx context.Context) ([]*room.Message, room.Status, error) {
	c.mu.Lock()
	roomID := c.roomID
	cursor := c.msgCursor
	c.mu.Unlock()
	if roomID == "" {
		return nil, room.StatusEnded, fmt.Errorf("no room")
	}

	current, err := c.cfg.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, "", apperr.Server(err)
	}
	if current == nil {
		return nil, room.StatusEnded, nil
	}

	msgs, err := c.cfg.Rooms.MessagesAfter(ctx, roomID, c.cfg.SessionID, cursor, messagePageSize)
	if err != nil {
		return nil, current.Status, apperr.Server(err)
	}
	if len(msgs) > 0 {
		c.mu.Lock()
		if c.roomID == roomID {
			c.msgCursor = msgs[len(msgs)-1].SentAt
		}
		c.mu.Unlock()
	}
	return msgs, current.Status, nil
}

// PartnerID returns the matched partner, or "" while searching.
func (c *Controller) PartnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerID
}

// RoomID returns the active room id, or "" while searching.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// ConnectionState reports the peer connection state; text mode is idle.
func (c *Controller) ConnectionState() peer.State {
	if c.cfg.Conn == nil {
		return peer.StateIdle
	}
	return c.cfg.Conn.State()
}
