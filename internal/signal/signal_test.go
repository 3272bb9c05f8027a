package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	valid := Envelope{Kind: KindOffer, From: "a", To: "b", Payload: json.RawMessage(`{"sdp":"x"}`)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	cases := []struct {
		name string
		env  Envelope
	}{
		{"unknown kind", Envelope{Kind: "renegotiate", From: "a", To: "b", Payload: json.RawMessage(`{}`)}},
		{"missing from", Envelope{Kind: KindReady, To: "b"}},
		{"missing to", Envelope{Kind: KindReady, From: "a"}},
		{"offer without payload", Envelope{Kind: KindOffer, From: "a", To: "b"}},
	}
	for _, tc := range cases {
		if err := tc.env.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	// ready needs no payload
	ready := Envelope{Kind: KindReady, From: "a", To: "b"}
	if err := ready.Validate(); err != nil {
		t.Errorf("ready envelope rejected: %v", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Decode([]byte(`{"kind":"bogus","from":"a","to":"b"}`)); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMemoryRelayDelivery(t *testing.T) {
	relay := NewMemoryRelay()
	ctx := context.Background()

	alice, err := relay.Open(ctx, "room", "alice")
	if err != nil {
		t.Fatalf("open alice: %v", err)
	}
	defer alice.Close()
	bob, err := relay.Open(ctx, "room", "bob")
	if err != nil {
		t.Fatalf("open bob: %v", err)
	}
	defer bob.Close()

	<-alice.Ready()
	<-bob.Ready()

	env := Envelope{Kind: KindReady, From: "alice", To: "bob"}
	if err := alice.Send(ctx, env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-bob.Events():
		if got.From != "alice" || got.Kind != KindReady {
			t.Errorf("bob received %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("bob received nothing")
	}

	// Self-delivery suppressed.
	select {
	case got := <-alice.Events():
		t.Fatalf("alice received her own envelope: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryRelayNoStoreAndForward(t *testing.T) {
	relay := NewMemoryRelay()
	ctx := context.Background()

	alice, _ := relay.Open(ctx, "room", "alice")
	defer alice.Close()
	alice.Send(ctx, Envelope{Kind: KindReady, From: "alice", To: "bob"})

	bob, _ := relay.Open(ctx, "room", "bob")
	defer bob.Close()

	select {
	case got := <-bob.Events():
		t.Fatalf("late subscriber received %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryRelayCloseIdempotent(t *testing.T) {
	relay := NewMemoryRelay()
	h, _ := relay.Open(context.Background(), "room", "alice")
	if err := h.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-h.Events(); ok {
		t.Fatal("events channel not closed")
	}
}

func TestFallbackAfterPagesForward(t *testing.T) {
	store := NewMemoryFallback()
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		env := Envelope{Kind: KindCandidate, From: "alice", To: "bob", Payload: json.RawMessage(`{"candidate":"c"}`)}
		if err := store.Append(ctx, "room", env); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// One envelope from bob himself must never come back to him.
	store.Append(ctx, "room", Envelope{Kind: KindReady, From: "bob", To: "alice"})

	page, err := store.After(ctx, "room", "bob", 0, 10)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(page) != 10 {
		t.Fatalf("page size = %d, want 10", len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].SentAt <= page[i-1].SentAt {
			t.Fatal("page not strictly ascending")
		}
	}
	for _, env := range page {
		if env.From == "bob" {
			t.Fatal("own envelope returned")
		}
	}

	// Advance the cursor past the first page; the rest follows with no
	// duplicates.
	rest, err := store.After(ctx, "room", "bob", page[len(page)-1].SentAt, 10)
	if err != nil {
		t.Fatalf("after cursor: %v", err)
	}
	if len(rest) != 5 {
		t.Fatalf("second page size = %d, want 5", len(rest))
	}
	if rest[0].SentAt <= page[len(page)-1].SentAt {
		t.Fatal("second page overlaps first")
	}
}
