// Package room tracks the active pairing of two matched sessions and the
// text message stream that lives only as long as the room does.
package room

import (
	"context"
	"time"
)

// Status of a room. The only transition is active -> ended.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Room is the pairing record. Both sides derive the same id locally, so a
// room needs no handshake round trip to exist.
type Room struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participantA"`
	ParticipantB string    `json:"participantB"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	EndedAt      time.Time `json:"endedAt,omitempty"`
}

// IsParticipant reports whether sessionID is one of the room's two sides.
func (r *Room) IsParticipant(sessionID string) bool {
	return sessionID == r.ParticipantA || sessionID == r.ParticipantB
}

// Partner returns the other participant's id, or "" when sessionID is not
// a participant.
func (r *Room) Partner(sessionID string) string {
	switch sessionID {
	case r.ParticipantA:
		return r.ParticipantB
	case r.ParticipantB:
		return r.ParticipantA
	}
	return ""
}

// DeriveID computes the room (and relay channel) identifier for a pair of
// session ids: the sorted pair joined by "-". Both sides compute it
// independently and get the same value no matter the argument order.
func DeriveID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "-" + b
}

// Message is one entry in a room's ephemeral stream. System messages carry
// notices such as the partner-disconnected event.
type Message struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
	From   string `json:"from,omitempty"`
	Body   string `json:"body"`
	System bool   `json:"system,omitempty"`
	SentAt int64  `json:"sentAt"`
}

// Store persists rooms and their message streams. Room status and messages
// are last-writer-wins: at most two writers exist and each writes facts
// about itself, so no conditional update is needed here.
type Store interface {
	// Create records an active room. Creating a room that already exists
	// is a no-op (both sides create it independently after a match).
	Create(ctx context.Context, room *Room) error

	// Get returns the room, or nil if it does not exist.
	Get(ctx context.Context, roomID string) (*Room, error)

	// End transitions the room to ended. Idempotent; never reactivates.
	End(ctx context.Context, roomID string) error

	// ActiveRoomFor returns the id of the active room sessionID is in,
	// or "" when there is none.
	ActiveRoomFor(ctx context.Context, sessionID string) (string, error)

	// AppendMessage adds a message to the room stream.
	AppendMessage(ctx context.Context, msg *Message) error

	// MessagesAfter returns up to limit messages with SentAt strictly
	// greater than after, ascending, excluding sessionID's own non-system
	// messages.
	MessagesAfter(ctx context.Context, roomID, sessionID string, after int64, limit int) ([]*Message, error)
}
