package matchmaking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/apperr"
)

// candidateScan bounds how many waiting entries one TryMatch inspects when
// claims race. Losing a claim means someone else just matched that waiter;
// the next-oldest candidate is tried before giving up and waiting.
const candidateScan = 8

// Queue implements the pairing algorithm over a Store.
type Queue struct {
	store    Store
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewQueue(store Store, notifier Notifier, logger zerolog.Logger) *Queue {
	return &Queue{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// TryMatch pairs sessionID with the oldest compatible waiter, or enqueues
// it. Calling it repeatedly is safe: an already-matched session gets its
// partner back, an already-waiting session keeps a single entry.
func (q *Queue) TryMatch(ctx context.Context, sessionID string, chatType ChatType) (MatchResult, error) {
	if !chatType.Valid() {
		return MatchResult{}, apperr.MatchmakingFailed(fmt.Errorf("invalid chat type %q", chatType))
	}

	// Idempotent re-check: a previous call (or the partner's claim) may
	// already have recorded a pairing.
	existing, err := q.store.Get(ctx, sessionID)
	if err != nil {
		return MatchResult{}, apperr.Network(err)
	}
	if existing != nil && existing.MatchedWith != "" {
		return MatchResult{Matched: true, PartnerID: existing.MatchedWith}, nil
	}

	candidates, err := q.store.Waiting(ctx, chatType, candidateScan)
	if err != nil {
		return MatchResult{}, apperr.Network(err)
	}

	now := q.now()
	for _, candidate := range candidates {
		if candidate.SessionID == sessionID {
			continue
		}
		won, err := q.store.Claim(ctx, candidate.SessionID, sessionID, now)
		if err != nil {
			return MatchResult{}, apperr.Network(err)
		}
		if !won {
			// Lost the race for this waiter; try the next oldest.
			continue
		}

		// Record the reciprocal pairing on our own entry.
		if err := q.store.Upsert(ctx, &Entry{
			SessionID:   sessionID,
			ChatType:    chatType,
			MatchedWith: candidate.SessionID,
			MatchedAt:   now,
			CreatedAt:   now,
		}); err != nil {
			return MatchResult{}, apperr.Network(err)
		}

		q.logger.Info().
			Str("session_id", sessionID).
			Str("partner_id", candidate.SessionID).
			Str("chat_type", string(chatType)).
			Msg("matched")

		if q.notifier != nil {
			if err := q.notifier.NotifyMatched(ctx, candidate.SessionID, sessionID); err != nil {
				// Push is best-effort; the waiter's poll loop will see
				// the claim regardless.
				q.logger.Warn().Err(err).Str("session_id", candidate.SessionID).Msg("match notification failed")
			}
		}

		return MatchResult{Matched: true, PartnerID: candidate.SessionID}, nil
	}

	// No claimable waiter: (re-)enqueue and keep searching. Upsert, never
	// insert, so repeated calls leave exactly one entry.
	entry := &Entry{
		SessionID: sessionID,
		ChatType:  chatType,
		CreatedAt: now,
	}
	if existing != nil {
		// Keep the original queue position.
		entry.CreatedAt = existing.CreatedAt
	}
	if err := q.store.Upsert(ctx, entry); err != nil {
		return MatchResult{}, apperr.Network(err)
	}
	return MatchResult{Matched: false, Status: StatusSearching}, nil
}

// PollMatch is a pure read of the session's entry: the out-of-band
// fallback for a push notification that never arrived.
func (q *Queue) PollMatch(ctx context.Context, sessionID string) (MatchResult, error) {
	entry, err := q.store.Get(ctx, sessionID)
	if err != nil {
		return MatchResult{}, apperr.Network(err)
	}
	if entry == nil {
		return MatchResult{Matched: false, Status: StatusIdle}, nil
	}
	if entry.MatchedWith != "" {
		return MatchResult{Matched: true, PartnerID: entry.MatchedWith}, nil
	}
	return MatchResult{Matched: false, Status: StatusSearching}, nil
}

// Cancel removes the session's entry. Safe to call repeatedly and when no
// entry exists.
func (q *Queue) Cancel(ctx context.Context, sessionID string) error {
	if err := q.store.Delete(ctx, sessionID); err != nil {
		return apperr.Network(err)
	}
	return nil
}
