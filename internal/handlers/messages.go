package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/driftchat/driftchat/internal/apperr"
	"github.com/driftchat/driftchat/internal/middleware"
	"github.com/driftchat/driftchat/internal/models"
	"github.com/driftchat/driftchat/internal/room"
	"github.com/driftchat/driftchat/internal/session"
)

// messagePageLimit bounds one GET page of room messages.
const messagePageLimit = 50

// SendMessage appends a text message to an active room. Sends into an
// ended room are rejected so a disconnected partner is noticed on the next
// attempt at the latest.
func (a *API) SendMessage(c *gin.Context) {
	roomID := c.Param("roomId")
	sessionID := middleware.SessionID(c)

	var req models.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	current, err := a.Rooms.Get(c.Request.Context(), roomID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if current == nil || !current.IsParticipant(sessionID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a room participant"})
		return
	}
	if current.Status != room.StatusActive {
		a.respondError(c, apperr.PartnerDisconnected())
		return
	}

	msg := &room.Message{
		ID:     uuid.New().String(),
		RoomID: roomID,
		From:   sessionID,
		Body:   req.Body,
	}
	if err := a.Rooms.AppendMessage(c.Request.Context(), msg); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// GetMessages pages the partner's (and system) messages sent strictly
// after the given timestamp, plus the room status so one poll observes
// teardown too.
func (a *API) GetMessages(c *gin.Context) {
	roomID := c.Param("roomId")
	sessionID := middleware.SessionID(c)
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
	if current == nil || !current.IsParticipant(sessionID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a room participant"})
		return
	}

	msgs, err := a.Rooms.MessagesAfter(c.Request.Context(), roomID, sessionID, after, messagePageLimit)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*room.Message{}
	}
	c.JSON(http.StatusOK, models.MessagePage{Messages: msgs, Status: current.Status})
}

// EndRoom ends the room on behalf of a participant; the partner's next
// poll sees the system notice and status ended.
func (a *API) EndRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	sessionID := middleware.SessionID(c)

	current, err := a.Rooms.Get(c.Request.Context(), roomID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if current == nil || !current.IsParticipant(sessionID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a room participant"})
		return
	}

	if err := session.EndRoom(c.Request.Context(), a.Rooms, roomID); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}
