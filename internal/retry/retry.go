// Package retry provides a bounded-retry executor with an observable
// connection state. Both the matchmaking loop and the peer connection
// state machine run their transient-failure policy through it.
package retry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the connection state observed through the supervisor.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Config bounds one Execute run.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	PerAttemptTimeout time.Duration
	// OnRetry is invoked with the attempt number that just failed,
	// before the backoff delay for the next attempt.
	OnRetry func(attempt int)
}

// Supervisor runs operations under the retry policy and publishes state
// transitions to subscribers. Cancel/Reset bump a generation counter so
// that timers scheduled before the reset can never act afterward.
type Supervisor struct {
	mu          sync.Mutex
	state       State
	generation  uint64
	cancel      context.CancelFunc
	subscribers map[int]func(State)
	nextSubID   int
	logger      zerolog.Logger
}

func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		state:       StateIdle,
		subscribers: make(map[int]func(State)),
		logger:      logger,
	}
}

// State returns the current observed state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers an observer and returns its unregister function.
// Delivery is panic-isolated: one misbehaving subscriber cannot prevent
// delivery to the others.
func (s *Supervisor) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	subs := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		s.notify(fn, state)
	}
}

func (s *Supervisor) notify(fn func(State), state State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("state subscriber panicked")
		}
	}()
	fn(state)
}

// Execute runs op under cfg. The first attempt enters connecting,
// subsequent attempts reconnecting. Success transitions to connected and
// returns nil; exhaustion transitions to failed and returns the last
// error. The backoff before attempt n+1 is InitialDelay*Multiplier^(n-1).
func (s *Supervisor) Execute(ctx context.Context, op func(ctx context.Context) error, cfg Config) error {
	ctx, gen := s.begin(ctx)
	defer s.clearCancel(gen)

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt == 1 {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		lastErr = s.runAttempt(ctx, op, cfg.PerAttemptTimeout)
		if lastErr == nil {
			s.setState(StateConnected)
			return nil
		}
		if ctx.Err() != nil {
			break
		}

		s.logger.Debug().Err(lastErr).Int("attempt", attempt).Msg("attempt failed")
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt)
		}

		delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))
		if !s.sleep(ctx, gen, delay) {
			break
		}
	}

	s.setState(StateFailed)
	return lastErr
}

func (s *Supervisor) runAttempt(ctx context.Context, op func(ctx context.Context) error, timeout time.Duration) error {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(attemptCtx) }()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return attemptCtx.Err()
	}
}

// sleep waits for d unless the context is cancelled or the generation has
// moved on (Reset/Cancel was called). Returns false when the run must stop.
func (s *Supervisor) sleep(ctx context.Context, gen uint64, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return s.currentGeneration() == gen
	case <-ctx.Done():
		return false
	}
}

// Heartbeat runs fn every interval until ctx is cancelled or the
// supervisor is reset. A single failure flips the observed state to
// reconnecting but keeps the interval running; the next success flips it
// back to connected. Blocks until stopped.
func (s *Supervisor) Heartbeat(ctx context.Context, fn func(ctx context.Context) error, interval time.Duration) {
	ctx, gen := s.begin(ctx)
	defer s.clearCancel(gen)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.currentGeneration() != gen {
				return
			}
			if err := fn(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat failed")
				s.setState(StateReconnecting)
			} else {
				s.setState(StateConnected)
			}
		}
	}
}

// Cancel aborts any in-flight Execute/Heartbeat run and invalidates all
// pending timers.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	s.generation++
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Reset cancels like Cancel and returns the observed state to idle.
func (s *Supervisor) Reset() {
	s.Cancel()
	s.setState(StateIdle)
}

func (s *Supervisor) begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.generation++
	gen := s.generation
	if s.cancel != nil {
		// A previous run is still registered; cancelling it here keeps
		// exactly one run active per supervisor.
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()
	return ctx, gen
}

func (s *Supervisor) clearCancel(gen uint64) {
	s.mu.Lock()
	if s.generation == gen && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}
