// Package matchmaking pairs waiting sessions of the same chat type into
// rooms. The only concurrent mutation of shared state in the whole system
// is the conditional claim here: setting matchedWith on a waiting entry
// only while it is still unset, so two late arrivals racing for one waiter
// cannot both win.
package matchmaking

import (
	"context"
	"time"
)

// ChatType selects the pairing pool. Immutable once an entry exists.
type ChatType string

const (
	ChatText  ChatType = "text"
	ChatVideo ChatType = "video"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool { return t == ChatText || t == ChatVideo }

// Entry is one session waiting for, or matched with, a partner. At most
// one entry exists per session (upsert semantics). MatchedWith is written
// exactly once, by the claiming side; it is cleared only by deleting the
// entry.
type Entry struct {
	SessionID   string    `json:"sessionId"`
	ChatType    ChatType  `json:"chatType"`
	MatchedWith string    `json:"matchedWith,omitempty"`
	MatchedAt   time.Time `json:"matchedAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Status values reported by MatchResult.
const (
	StatusSearching = "searching"
	StatusIdle      = "idle"
)

// MatchResult is the outcome of TryMatch/PollMatch.
type MatchResult struct {
	Matched   bool   `json:"matched"`
	PartnerID string `json:"partnerId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Store persists queue entries. Claim is the compare-and-set primitive:
// it must set MatchedWith atomically with the check that it is still
// empty, in one operation against the backing store.
type Store interface {
	// Get returns the entry for sessionID, or nil if none exists.
	Get(ctx context.Context, sessionID string) (*Entry, error)

	// Upsert creates or replaces the entry for entry.SessionID.
	Upsert(ctx context.Context, entry *Entry) error

	// Waiting returns up to limit unmatched entries of the given chat
	// type, oldest first.
	Waiting(ctx context.Context, chatType ChatType, limit int) ([]*Entry, error)

	// Claim sets MatchedWith = partnerID on sessionID's entry only if it
	// is currently unset. Returns true when this call won the claim.
	Claim(ctx context.Context, sessionID, partnerID string, at time.Time) (bool, error)

	// Delete removes the entry. Removing a missing entry is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// Notifier pushes match notifications to the claimed waiter. Push
// delivery is best-effort; the poll path is the safety net.
type Notifier interface {
	// NotifyMatched tells sessionID that it has been paired with partnerID.
	NotifyMatched(ctx context.Context, sessionID, partnerID string) error

	// SubscribeMatched delivers the partner id once a match for sessionID
	// is announced. The returned cancel releases the subscription.
	SubscribeMatched(ctx context.Context, sessionID string) (<-chan string, func(), error)
}
