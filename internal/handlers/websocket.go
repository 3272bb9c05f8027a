package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/room"
	"github.com/driftchat/driftchat/internal/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// HandleSignalSocket bridges a room's relay channel onto a WebSocket: the
// participant's outbound envelopes are published (and stored for the pull
// fallback), inbound envelopes addressed to it are pushed down the socket.
func (a *API) HandleSignalSocket(c *gin.Context) {
	roomID := c.Param("roomId")

	// Browsers cannot set headers on a WebSocket dial; the token rides in
	// the query string.
	sessionID, err := a.Registry.ParseToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired session token"})
		return
	}

	current, err := a.Rooms.Get(c.Request.Context(), roomID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if current == nil || current.Status != room.StatusActive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room is not active"})
		return
	}
	if !current.IsParticipant(sessionID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a room participant"})
		return
	}

	// The subscription outlives the upgrade request.
	handle, err := a.Relay.Open(context.Background(), roomID, sessionID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	<-handle.Ready()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		handle.Close()
		a.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &socketClient{
		sessionID: sessionID,
		partnerID: current.Partner(sessionID),
		roomID:    roomID,
		conn:      conn,
		handle:    handle,
		fallback:  a.Fallback,
		logger:    a.Logger.With().Str("room_id", roomID).Str("session_id", sessionID).Logger(),
	}
	go client.writePump()
	go client.readPump()
}

type socketClient struct {
	sessionID string
	partnerID string
	roomID    string
	conn      *websocket.Conn
	handle    signal.Handle
	fallback  signal.FallbackStore
	logger    zerolog.Logger
}

func (s *socketClient) readPump() {
	defer func() {
		s.handle.Close()
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		env, err := signal.Decode(message)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}
		// The socket authenticates the sender; the addressee is always the
		// other participant. Neither is taken from the client.
		env.From = s.sessionID
		env.To = s.partnerID

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		if err := s.fallback.Append(ctx, s.roomID, env); err != nil {
			s.logger.Warn().Err(err).Msg("fallback append failed")
		}
		if err := s.handle.Send(ctx, env); err != nil {
			s.logger.Warn().Err(err).Msg("relay send failed")
		}
		cancel()
	}
}

func (s *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.handle.Events():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if env.To != s.sessionID {
				continue
			}
			data, err := signal.Encode(env)
			if err != nil {
				s.logger.Warn().Err(err).Msg("encoding envelope failed")
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
