// Package session issues and tracks anonymous participant sessions. A
// session is an opaque uuid plus a heartbeat timestamp; it carries no
// identity. Moderation works on the hashed network identity: enough
// pending reports ban the hash for a fixed duration.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/apperr"
	"github.com/driftchat/driftchat/internal/matchmaking"
	"github.com/driftchat/driftchat/internal/room"
)

// Moderation constants are fixed by design, not configuration.
const (
	reportThreshold = 3
	banDuration     = 24 * time.Hour
)

// expiryMultiplier: a session is expired when its last heartbeat is older
// than this many heartbeat intervals.
const expiryMultiplier = 5

// Session is one active participant.
type Session struct {
	ID            string    `json:"id"`
	IPHash        string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Store persists sessions, bans and report counters.
type Store interface {
	Put(ctx context.Context, sess *Session, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Touch refreshes the heartbeat; returns false when the session is gone.
	Touch(ctx context.Context, sessionID string, at time.Time, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, sessionID string) error

	IsBanned(ctx context.Context, ipHash string) (bool, error)
	Ban(ctx context.Context, ipHash string, d time.Duration) error
	// AddReport increments the session's pending report count and
	// returns the new total.
	AddReport(ctx context.Context, sessionID string) (int, error)
	// ClearReports marks the session's pending reports actioned.
	ClearReports(ctx context.Context, sessionID string) error
}

// Claims is the JWT payload of the anonymous session token.
type Claims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Registry is the session lifecycle service. Destroy cascades into queue
// entry deletion and active-room teardown so a vanished participant never
// leaves a claimable queue entry or a half-open room behind.
type Registry struct {
	store     Store
	queue     *matchmaking.Queue
	rooms     room.Store
	jwtSecret []byte
	ipSalt    string
	heartbeat time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRegistry(store Store, queue *matchmaking.Queue, rooms room.Store, jwtSecret, ipSalt string, heartbeatInterval time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		store:     store,
		queue:     queue,
		rooms:     rooms,
		jwtSecret: []byte(jwtSecret),
		ipSalt:    ipSalt,
		heartbeat: heartbeatInterval,
		logger:    logger,
		now:       time.Now,
	}
}

// HashIP reduces a network address to the salted hash used for bans.
func (r *Registry) HashIP(ip string) string {
	sum := sha256.Sum256([]byte(r.ipSalt + ip))
	return hex.EncodeToString(sum[:])
}

func (r *Registry) window() time.Duration { return expiryMultiplier * r.heartbeat }

// Create issues a new session for the given client IP. Banned network
// identities are rejected before a session exists.
func (r *Registry) Create(ctx context.Context, ip string) (*Session, string, error) {
	ipHash := r.HashIP(ip)
	banned, err := r.store.IsBanned(ctx, ipHash)
	if err != nil {
		return nil, "", apperr.Server(err)
	}
	if banned {
		return nil, "", apperr.RateLimited("banned network identity")
	}

	now := r.now()
	sess := &Session{
		ID:            uuid.New().String(),
		IPHash:        ipHash,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	if err := r.store.Put(ctx, sess, r.window()); err != nil {
		return nil, "", apperr.Server(err)
	}

	token, err := r.signToken(sess.ID, now)
	if err != nil {
		return nil, "", apperr.Server(err)
	}

	r.logger.Info().Str("session_id", sess.ID).Msg("session created")
	return sess, token, nil
}

func (r *Registry) signToken(sessionID string, now time.Time) (string, error) {
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.jwtSecret)
}

// Heartbeat refreshes the session's liveness window.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	alive, err := r.store.Touch(ctx, sessionID, r.now(), r.window())
	if err != nil {
		return apperr.Server(err)
	}
	if !alive {
		return apperr.SessionExpired()
	}
	return nil
}

// IsActive reports whether the session exists and heartbeated within the
// expiry window.
func (r *Registry) IsActive(ctx context.Context, sessionID string) (bool, error) {
	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return false, apperr.Server(err)
	}
	if sess == nil {
		return false, nil
	}
	return r.now().Sub(sess.LastHeartbeat) <= r.window(), nil
}

// Destroy removes the session and cascades: its queue entry is deleted and
// its active room, if any, is ended with a system notice for the partner.
func (r *Registry) Destroy(ctx context.Context, sessionID string) error {
	if err := r.queue.Cancel(ctx, sessionID); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("queue cascade failed")
	}

	roomID, err := r.rooms.ActiveRoomFor(ctx, sessionID)
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("room lookup failed")
	} else if roomID != "" {
		if err := EndRoom(ctx, r.rooms, roomID); err != nil {
			r.logger.Warn().Err(err).Str("room_id", roomID).Msg("room cascade failed")
		}
	}

	if err := r.store.Delete(ctx, sessionID); err != nil {
		return apperr.Server(err)
	}
	r.logger.Info().Str("session_id", sessionID).Msg("session destroyed")
	return nil
}

// Report records a pending report against reportedID. Reaching the
// threshold bans the reported session's network identity for the fixed
// duration and marks the pending reports actioned.
func (r *Registry) Report(ctx context.Context, reporterID, reportedID string) error {
	pending, err := r.store.AddReport(ctx, reportedID)
	if err != nil {
		return apperr.Server(err)
	}
	r.logger.Info().
		Str("reporter_id", reporterID).
		Str("reported_id", reportedID).
		Int("pending", pending).
		Msg("report recorded")

	if pending < reportThreshold {
		return nil
	}

	reported, err := r.store.Get(ctx, reportedID)
	if err != nil {
		return apperr.Server(err)
	}
	if reported != nil && reported.IPHash != "" {
		if err := r.store.Ban(ctx, reported.IPHash, banDuration); err != nil {
			return apperr.Server(err)
		}
		r.logger.Warn().Str("session_id", reportedID).Msg("network identity banned")
	}
	if err := r.store.ClearReports(ctx, reportedID); err != nil {
		return apperr.Server(err)
	}
	return nil
}

// ParseToken validates a session token and returns the session id.
func (r *Registry) ParseToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.jwtSecret, nil
	})
	if err != nil || !token.Valid || claims.SessionID == "" {
		return "", apperr.SessionExpired()
	}
	return claims.SessionID, nil
}

// EndRoom ends a room and appends the partner-disconnected system notice
// to its stream, in that order, so a poll that sees the notice also sees
// status ended.
func EndRoom(ctx context.Context, rooms room.Store, roomID string) error {
	existing, err := rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status == room.StatusEnded {
		return nil
	}
	if err := rooms.End(ctx, roomID); err != nil {
		return err
	}
	return rooms.AppendMessage(ctx, &room.Message{
		ID:     uuid.New().String(),
		RoomID: roomID,
		Body:   "Your partner disconnected.",
		System: true,
	})
}
