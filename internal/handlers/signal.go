package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/driftchat/driftchat/internal/middleware"
	"github.com/driftchat/driftchat/internal/models"
	"github.com/driftchat/driftchat/internal/room"
	"github.com/driftchat/driftchat/internal/signal"
)

// signalPageLimit bounds one GET page of fallback envelopes.
const signalPageLimit = 10

// PostSignal relays one negotiation message to the room's other
// participant: stored for the pull fallback, then pushed best-effort.
func (a *API) PostSignal(c *gin.Context) {
	var req models.SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.SessionID != middleware.SessionID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Session mismatch"})
		return
	}

	current, err := a.Rooms.Get(c.Request.Context(), req.RoomID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if current == nil || current.Status != room.StatusActive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room is not active"})
		return
	}
	if !current.IsParticipant(req.SessionID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a room participant"})
		return
	}

	env := signal.Envelope{
		Kind:    signal.Kind(req.Type),
		From:    req.SessionID,
		To:      current.Partner(req.SessionID),
		Payload: req.Signal,
	}
	if err := env.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.Fallback.Append(c.Request.Context(), req.RoomID, env); err != nil {
		a.respondError(c, err)
		return
	}
	if err := a.Publisher.Publish(c.Request.Context(), req.RoomID, env); err != nil {
		// The fallback copy is durable; push delivery is best-effort by
		// contract.
		a.Logger.Warn().Err(err).Str("room_id", req.RoomID).Msg("relay push failed")
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}

// GetSignals pages the other participant's envelopes sent strictly after
// the given timestamp, ascending. This is the delivery path of last resort
// when the push relay dropped a message.
func (a *API) GetSignals(c *gin.Context) {
	roomID := c.Query("roomId")
	sessionID := c.Query("sessionId")
	if sessionID != middleware.SessionID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Session mismatch"})
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid after timestamp"})
		return
	}

	current, err := a.Rooms.Get(c.Request.Context(), roomID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if current == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if !current.IsParticipant(sessionID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a room participant"})
		return
	}

	envelopes, err := a.Fallback.After(c.Request.Context(), roomID, sessionID, after, signalPageLimit)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if envelopes == nil {
		envelopes = []signal.Envelope{}
	}
	c.JSON(http.StatusOK, models.SignalPage{Signals: envelopes})
}
