package retry

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	s := NewSupervisor(testLogger())

	var states []State
	unsubscribe := s.Subscribe(func(st State) { states = append(states, st) })
	defer unsubscribe()

	err := s.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	}, Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []State{StateConnecting, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestExecuteBackoffSchedule(t *testing.T) {
	s := NewSupervisor(testLogger())

	failure := errors.New("nope")
	start := time.Now()
	var retryAt []time.Duration
	var attempts int

	err := s.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return failure
	}, Config{
		MaxAttempts:       3,
		InitialDelay:      50 * time.Millisecond,
		BackoffMultiplier: 1.5,
		OnRetry: func(attempt int) {
			retryAt = append(retryAt, time.Since(start))
			_ = attempt
		},
	})
	if !errors.Is(err, failure) {
		t.Fatalf("err = %v, want last failure", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}

	// Retries fire after ~50ms and then ~50+75ms. Generous upper bounds
	// keep this robust on loaded machines.
	if len(retryAt) != 2 {
		t.Fatalf("retries = %d, want 2", len(retryAt))
	}
	elapsed := time.Since(start)
	if elapsed < 125*time.Millisecond {
		t.Errorf("run finished in %v, want >= 125ms of backoff", elapsed)
	}
}

func TestExecuteReconnectingOnLaterAttempts(t *testing.T) {
	s := NewSupervisor(testLogger())

	var states []State
	var mu sync.Mutex
	s.Subscribe(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	calls := 0
	err := s.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateReconnecting, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestExecutePerAttemptTimeout(t *testing.T) {
	s := NewSupervisor(testLogger())

	err := s.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Config{
		MaxAttempts:       1,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2,
		PerAttemptTimeout: 20 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCancelPreventsScheduledRetry(t *testing.T) {
	s := NewSupervisor(testLogger())

	attempts := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- s.Execute(context.Background(), func(ctx context.Context) error {
			attempts <- struct{}{}
			return errors.New("always")
		}, Config{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, BackoffMultiplier: 1})
	}()

	<-attempts
	s.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after Cancel")
	}

	// No retry may fire after the cancel.
	select {
	case <-attempts:
		t.Fatal("retry fired after Cancel")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	s := NewSupervisor(testLogger())

	var delivered []State
	s.Subscribe(func(State) { panic("bad subscriber") })
	s.Subscribe(func(st State) { delivered = append(delivered, st) })

	err := s.Execute(context.Background(), func(ctx context.Context) error { return nil },
		Config{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 2})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(delivered) == 0 {
		t.Fatal("second subscriber received no states")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewSupervisor(testLogger())

	count := 0
	unsubscribe := s.Subscribe(func(State) { count++ })
	unsubscribe()

	s.Execute(context.Background(), func(ctx context.Context) error { return nil },
		Config{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 2})
	if count != 0 {
		t.Fatalf("unsubscribed observer received %d states", count)
	}
}

func TestHeartbeatTransientFailure(t *testing.T) {
	s := NewSupervisor(testLogger())

	var mu sync.Mutex
	var seen []State
	s.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go s.Heartbeat(ctx, func(ctx context.Context) error {
		calls++
		if calls == 2 {
			return errors.New("blip")
		}
		return nil
	}, 10*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var sawReconnecting, recoveredAfter bool
	for i, st := range seen {
		if st == StateReconnecting {
			sawReconnecting = true
			for _, later := range seen[i+1:] {
				if later == StateConnected {
					recoveredAfter = true
				}
			}
		}
	}
	if !sawReconnecting {
		t.Fatal("heartbeat failure did not surface reconnecting")
	}
	if !recoveredAfter {
		t.Fatal("heartbeat did not keep running after a failure")
	}
}

func TestResetReturnsToIdle(t *testing.T) {
	s := NewSupervisor(testLogger())
	s.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") },
		Config{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 2})
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	s.Reset()
	if s.State() != StateIdle {
		t.Fatalf("state after reset = %s, want idle", s.State())
	}
}
