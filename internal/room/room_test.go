package room

import (
	"context"
	"testing"
)

func TestDeriveIDDeterministic(t *testing.T) {
	cases := [][2]string{
		{"alice", "bob"},
		{"b", "a"},
		{"f81d4fae-7dec-11d0-a765-00a0c91e6bf6", "0c74d1a2-9f10-4c4f-bb5f-7b2f0b9f61d1"},
	}
	for _, pair := range cases {
		forward := DeriveID(pair[0], pair[1])
		reverse := DeriveID(pair[1], pair[0])
		if forward != reverse {
			t.Errorf("DeriveID(%q,%q)=%q != DeriveID(%q,%q)=%q",
				pair[0], pair[1], forward, pair[1], pair[0], reverse)
		}
	}

	if got := DeriveID("bob", "alice"); got != "alice-bob" {
		t.Errorf("DeriveID = %q, want alice-bob", got)
	}
}

func TestStatusTransitionOneWay(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r := &Room{ID: DeriveID("a", "b"), ParticipantA: "a", ParticipantB: "b"}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Second create (the partner's) is a no-op.
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("second Create: %v", err)
	}

	if err := store.End(ctx, r.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != StatusEnded || got.EndedAt.IsZero() {
		t.Fatalf("room after End = %+v", got)
	}

	// End is idempotent and the room never reactivates.
	endedAt := got.EndedAt
	if err := store.End(ctx, r.ID); err != nil {
		t.Fatalf("second End: %v", err)
	}
	got, _ = store.Get(ctx, r.ID)
	if got.Status != StatusEnded || !got.EndedAt.Equal(endedAt) {
		t.Fatalf("second End changed the room: %+v", got)
	}
}

func TestActiveRoomFor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r := &Room{ID: DeriveID("a", "b"), ParticipantA: "a", ParticipantB: "b"}
	store.Create(ctx, r)

	id, err := store.ActiveRoomFor(ctx, "b")
	if err != nil {
		t.Fatalf("ActiveRoomFor: %v", err)
	}
	if id != r.ID {
		t.Fatalf("ActiveRoomFor = %q, want %q", id, r.ID)
	}

	store.End(ctx, r.ID)
	id, _ = store.ActiveRoomFor(ctx, "b")
	if id != "" {
		t.Fatalf("ActiveRoomFor after end = %q, want empty", id)
	}
}

func TestMessagesAfterSkipsOwnAndPages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	roomID := DeriveID("a", "b")
	store.Create(ctx, &Room{ID: roomID, ParticipantA: "a", ParticipantB: "b"})

	store.AppendMessage(ctx, &Message{ID: "1", RoomID: roomID, From: "a", Body: "hi"})
	store.AppendMessage(ctx, &Message{ID: "2", RoomID: roomID, From: "b", Body: "hello"})
	store.AppendMessage(ctx, &Message{ID: "3", RoomID: roomID, Body: "Your partner disconnected.", System: true})

	msgs, err := store.MessagesAfter(ctx, roomID, "a", 0, 10)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (partner + system)", len(msgs))
	}
	if msgs[0].From != "b" {
		t.Errorf("first message from %q, want b", msgs[0].From)
	}
	if !msgs[1].System {
		t.Error("system notice not delivered")
	}

	// Cursor advances past everything.
	rest, _ := store.MessagesAfter(ctx, roomID, "a", msgs[1].SentAt, 10)
	if len(rest) != 0 {
		t.Fatalf("after cursor = %d messages, want 0", len(rest))
	}
}

func TestPartner(t *testing.T) {
	r := &Room{ID: "a-b", ParticipantA: "a", ParticipantB: "b"}
	if r.Partner("a") != "b" || r.Partner("b") != "a" {
		t.Fatal("Partner mismatch")
	}
	if r.Partner("c") != "" {
		t.Fatal("non-participant got a partner")
	}
	if r.IsParticipant("c") {
		t.Fatal("non-participant accepted")
	}
}
