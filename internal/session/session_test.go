package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/apperr"
	"github.com/driftchat/driftchat/internal/matchmaking"
	"github.com/driftchat/driftchat/internal/room"
)

func newTestRegistry() (*Registry, *MemoryStore, *matchmaking.Queue, room.Store) {
	store := NewMemoryStore()
	queue := matchmaking.NewQueue(matchmaking.NewMemoryStore(), matchmaking.NewMemoryNotifier(), zerolog.New(io.Discard))
	rooms := room.NewMemoryStore()
	reg := NewRegistry(store, queue, rooms, "test-secret", "salt", 25*time.Second, zerolog.New(io.Discard))
	return reg, store, queue, rooms
}

func TestCreateHeartbeatDestroy(t *testing.T) {
	reg, _, _, _ := newTestRegistry()
	ctx := context.Background()

	sess, token, err := reg.Create(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" || token == "" {
		t.Fatal("empty session or token")
	}

	id, err := reg.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if id != sess.ID {
		t.Fatalf("token session = %q, want %q", id, sess.ID)
	}

	active, err := reg.IsActive(ctx, sess.ID)
	if err != nil || !active {
		t.Fatalf("IsActive = %v, %v", active, err)
	}

	if err := reg.Heartbeat(ctx, sess.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	if err := reg.Destroy(ctx, sess.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	active, _ = reg.IsActive(ctx, sess.ID)
	if active {
		t.Fatal("destroyed session still active")
	}
}

func TestHeartbeatExpiredSession(t *testing.T) {
	reg, _, _, _ := newTestRegistry()
	err := reg.Heartbeat(context.Background(), "no-such-session")
	if !apperr.Is(err, apperr.CodeSessionExpired) {
		t.Fatalf("err = %v, want SESSION_EXPIRED", err)
	}
}

func TestIsActiveHeartbeatWindow(t *testing.T) {
	reg, store, _, _ := newTestRegistry()
	ctx := context.Background()

	stale := &Session{
		ID:            "stale",
		CreatedAt:     time.Now().Add(-time.Hour),
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	store.Put(ctx, stale, time.Hour)

	active, err := reg.IsActive(ctx, "stale")
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if active {
		t.Fatal("session past 5x heartbeat window reported active")
	}
}

func TestBannedIPRejectedAtCreate(t *testing.T) {
	reg, store, _, _ := newTestRegistry()
	ctx := context.Background()

	store.Ban(ctx, reg.HashIP("203.0.113.7"), time.Hour)
	_, _, err := reg.Create(ctx, "203.0.113.7")
	if !apperr.Is(err, apperr.CodeRateLimited) {
		t.Fatalf("err = %v, want RATE_LIMITED", err)
	}

	// A different address still gets in.
	if _, _, err := reg.Create(ctx, "198.51.100.1"); err != nil {
		t.Fatalf("unbanned Create: %v", err)
	}
}

func TestReportThresholdBans(t *testing.T) {
	reg, store, _, _ := newTestRegistry()
	ctx := context.Background()

	sess, _, err := reg.Create(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := reg.Report(ctx, "reporter", sess.ID); err != nil {
			t.Fatalf("Report %d: %v", i, err)
		}
		banned, _ := store.IsBanned(ctx, sess.IPHash)
		if banned {
			t.Fatalf("banned after %d reports", i+1)
		}
	}

	// Third report crosses the threshold.
	if err := reg.Report(ctx, "reporter", sess.ID); err != nil {
		t.Fatalf("third Report: %v", err)
	}
	banned, _ := store.IsBanned(ctx, sess.IPHash)
	if !banned {
		t.Fatal("threshold reached but identity not banned")
	}

	// Pending reports are actioned: the counter restarts.
	pending, _ := store.AddReport(ctx, sess.ID)
	if pending != 1 {
		t.Fatalf("pending after action = %d, want 1", pending)
	}
}

func TestDestroyCascades(t *testing.T) {
	reg, _, queue, rooms := newTestRegistry()
	ctx := context.Background()

	sessA, _, _ := reg.Create(ctx, "203.0.113.7")
	sessB, _, _ := reg.Create(ctx, "198.51.100.1")

	queue.TryMatch(ctx, sessA.ID, matchmaking.ChatText)
	roomID := room.DeriveID(sessA.ID, sessB.ID)
	rooms.Create(ctx, &room.Room{ID: roomID, ParticipantA: sessA.ID, ParticipantB: sessB.ID})

	if err := reg.Destroy(ctx, sessA.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	// Queue entry is gone.
	res, _ := queue.PollMatch(ctx, sessA.ID)
	if res.Status != matchmaking.StatusIdle {
		t.Fatalf("queue after destroy = %+v, want idle", res)
	}

	// Room is ended and the partner's next poll sees the system notice.
	got, _ := rooms.Get(ctx, roomID)
	if got.Status != room.StatusEnded {
		t.Fatalf("room status = %s, want ended", got.Status)
	}
	msgs, _ := rooms.MessagesAfter(ctx, roomID, sessB.ID, 0, 10)
	if len(msgs) != 1 || !msgs[0].System {
		t.Fatalf("partner notice = %+v", msgs)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	reg, _, _, _ := newTestRegistry()
	if _, err := reg.ParseToken("not-a-token"); !apperr.Is(err, apperr.CodeSessionExpired) {
		t.Fatalf("err = %v, want SESSION_EXPIRED", err)
	}

	other := NewRegistry(NewMemoryStore(), nil, nil, "other-secret", "salt", time.Second, zerolog.New(io.Discard))
	_, token, _ := other.Create(context.Background(), "192.0.2.1")
	if _, err := reg.ParseToken(token); err == nil {
		t.Fatal("token signed with a different secret accepted")
	}
}
