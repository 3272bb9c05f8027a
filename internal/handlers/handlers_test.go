package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/matchmaking"
	"github.com/driftchat/driftchat/internal/middleware"
	"github.com/driftchat/driftchat/internal/models"
	"github.com/driftchat/driftchat/internal/room"
	"github.com/driftchat/driftchat/internal/session"
	"github.com/driftchat/driftchat/internal/signal"
)

type testServer struct {
	api      *API
	registry *session.Registry
	rooms    room.Store
	router   *gin.Engine
}

func newTestServer() *testServer {
	gin.SetMode(gin.TestMode)
	logger := zerolog.New(io.Discard)

	queue := matchmaking.NewQueue(matchmaking.NewMemoryStore(), matchmaking.NewMemoryNotifier(), logger)
	rooms := room.NewMemoryStore()
	registry := session.NewRegistry(session.NewMemoryStore(), queue, rooms, "test-secret", "salt", 25*time.Second, logger)
	relay := signal.NewMemoryRelay()

	api := &API{
		Registry:  registry,
		Queue:     queue,
		Rooms:     rooms,
		Relay:     relay,
		Publisher: relay,
		Fallback:  signal.NewMemoryFallback(),
		Logger:    logger,
	}

	router := gin.New()
	auth := middleware.SessionAuth(registry)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/session", api.CreateSession)
		apiGroup.POST("/session/heartbeat", auth, api.Heartbeat)
		apiGroup.DELETE("/session", auth, api.DestroySession)
		apiGroup.POST("/matchmaking", auth, api.TryMatch)
		apiGroup.GET("/matchmaking", auth, api.PollMatch)
		apiGroup.DELETE("/matchmaking", auth, api.CancelMatch)
		apiGroup.POST("/signal", auth, api.PostSignal)
		apiGroup.GET("/signal", auth, api.GetSignals)
		apiGroup.POST("/rooms/:roomId/messages", auth, api.SendMessage)
		apiGroup.GET("/rooms/:roomId/messages", auth, api.GetMessages)
		apiGroup.DELETE("/rooms/:roomId", auth, api.EndRoom)
		apiGroup.POST("/report", auth, api.Report)
	}

	return &testServer{api: api, registry: registry, rooms: rooms, router: router}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) newSession(t *testing.T) (string, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/session", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body)
	}
	var resp models.SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding session response: %v", err)
	}
	return resp.SessionID, resp.Token
}

func decodeMatch(t *testing.T, rec *httptest.ResponseRecorder) matchmaking.MatchResult {
	t.Helper()
	var res matchmaking.MatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding match result: %v", err)
	}
	return res
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer()
	_, token := s.newSession(t)

	rec := s.do(t, http.MethodPost, "/api/session/heartbeat", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodDelete, "/api/session", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("destroy: %d %s", rec.Code, rec.Body)
	}

	// The token still parses but the session is gone.
	rec = s.do(t, http.MethodPost, "/api/session/heartbeat", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("heartbeat after destroy: %d, want 401", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodGet, "/api/matchmaking?sessionId=x", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/api/matchmaking?sessionId=x", "garbage", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d, want 401", rec.Code)
	}
}

func TestMatchmakingWire(t *testing.T) {
	s := newTestServer()
	idA, tokenA := s.newSession(t)
	idB, tokenB := s.newSession(t)

	// No entry yet: status idle.
	rec := s.do(t, http.MethodGet, "/api/matchmaking?sessionId="+idA, tokenA, nil)
	if res := decodeMatch(t, rec); res.Matched || res.Status != matchmaking.StatusIdle {
		t.Fatalf("initial poll = %+v", res)
	}

	rec = s.do(t, http.MethodPost, "/api/matchmaking", tokenA, models.MatchRequest{SessionID: idA, ChatType: "video"})
	if res := decodeMatch(t, rec); res.Matched || res.Status != matchmaking.StatusSearching {
		t.Fatalf("first arrival = %+v", res)
	}

	rec = s.do(t, http.MethodPost, "/api/matchmaking", tokenB, models.MatchRequest{SessionID: idB, ChatType: "video"})
	if res := decodeMatch(t, rec); !res.Matched || res.PartnerID != idA {
		t.Fatalf("second arrival = %+v", res)
	}

	// The waiter's poll sees the claim.
	rec = s.do(t, http.MethodGet, "/api/matchmaking?sessionId="+idA, tokenA, nil)
	if res := decodeMatch(t, rec); !res.Matched || res.PartnerID != idB {
		t.Fatalf("waiter poll = %+v", res)
	}

	rec = s.do(t, http.MethodDelete, "/api/matchmaking?sessionId="+idA, tokenA, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/api/matchmaking?sessionId="+idA, tokenA, nil)
	if res := decodeMatch(t, rec); res.Status != matchmaking.StatusIdle {
		t.Fatalf("poll after cancel = %+v", res)
	}

	// Enqueueing on someone else's behalf is rejected.
	rec = s.do(t, http.MethodPost, "/api/matchmaking", tokenA, models.MatchRequest{SessionID: idB, ChatType: "video"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("session mismatch: %d, want 403", rec.Code)
	}
}

func TestSignalWire(t *testing.T) {
	s := newTestServer()
	idA, tokenA := s.newSession(t)
	idB, tokenB := s.newSession(t)
	idC, tokenC := s.newSession(t)
	roomID := room.DeriveID(idA, idB)

	post := func(token string, req models.SignalRequest) *httptest.ResponseRecorder {
		return s.do(t, http.MethodPost, "/api/signal", token, req)
	}
	offer := models.SignalRequest{
		RoomID:    roomID,
		SessionID: idA,
		Type:      "offer",
		Signal:    json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}

	// No room yet: not active.
	if rec := post(tokenA, offer); rec.Code != http.StatusBadRequest {
		t.Fatalf("signal without room: %d, want 400", rec.Code)
	}

	a, b := idA, idB
	if a > b {
		a, b = b, a
	}
	s.rooms.Create(t.Context(), &room.Room{ID: roomID, ParticipantA: a, ParticipantB: b, Status: room.StatusActive, CreatedAt: time.Now()})

	if rec := post(tokenA, offer); rec.Code != http.StatusOK {
		t.Fatalf("signal: %d %s", rec.Code, rec.Body)
	}

	// A third session is not a participant.
	intruder := offer
	intruder.SessionID = idC
	if rec := post(tokenC, intruder); rec.Code != http.StatusForbidden {
		t.Fatalf("intruder signal: %d, want 403", rec.Code)
	}

	// The partner pages it from the fallback; the sender does not see its
	// own envelope.
	rec := s.do(t, http.MethodGet, "/api/signal?roomId="+roomID+"&sessionId="+idB+"&after=0", tokenB, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get signals: %d %s", rec.Code, rec.Body)
	}
	var page models.SignalPage
	json.Unmarshal(rec.Body.Bytes(), &page)
	if len(page.Signals) != 1 || page.Signals[0].Kind != signal.KindOffer || page.Signals[0].From != idA {
		t.Fatalf("partner page = %+v", page.Signals)
	}

	rec = s.do(t, http.MethodGet, "/api/signal?roomId="+roomID+"&sessionId="+idA+"&after=0", tokenA, nil)
	json.Unmarshal(rec.Body.Bytes(), &page)
	if len(page.Signals) != 0 {
		t.Fatalf("sender page = %+v", page.Signals)
	}

	// Ended room rejects further signals.
	s.rooms.End(t.Context(), roomID)
	if rec := post(tokenA, offer); rec.Code != http.StatusBadRequest {
		t.Fatalf("signal into ended room: %d, want 400", rec.Code)
	}
}

func TestMessageWire(t *testing.T) {
	s := newTestServer()
	idA, tokenA := s.newSession(t)
	idB, tokenB := s.newSession(t)
	roomID := room.DeriveID(idA, idB)

	a, b := idA, idB
	if a > b {
		a, b = b, a
	}
	s.rooms.Create(t.Context(), &room.Room{ID: roomID, ParticipantA: a, ParticipantB: b, Status: room.StatusActive, CreatedAt: time.Now()})

	rec := s.do(t, http.MethodPost, "/api/rooms/"+roomID+"/messages", tokenA, models.MessageRequest{Body: "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?after=0", tokenB, nil)
	var page models.MessagePage
	json.Unmarshal(rec.Body.Bytes(), &page)
	if len(page.Messages) != 1 || page.Messages[0].Body != "hello" || page.Status != room.StatusActive {
		t.Fatalf("partner page = %+v", page)
	}

	// One side hangs up; the other observes it and can no longer send.
	rec = s.do(t, http.MethodDelete, "/api/rooms/"+roomID, tokenA, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("end room: %d %s", rec.Code, rec.Body)
	}

	cursor := strconv.FormatInt(page.Messages[0].SentAt, 10)
	rec = s.do(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?after="+cursor, tokenB, nil)
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Status != room.StatusEnded {
		t.Fatalf("status after end = %s", page.Status)
	}
	if len(page.Messages) != 1 || !page.Messages[0].System {
		t.Fatalf("page after end = %+v", page.Messages)
	}

	rec = s.do(t, http.MethodPost, "/api/rooms/"+roomID+"/messages", tokenB, models.MessageRequest{Body: "anyone?"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("send into ended room: %d, want 409", rec.Code)
	}
}

func TestReportThresholdOverWire(t *testing.T) {
	s := newTestServer()
	reportedID, _ := s.newSession(t)

	for i := 0; i < 3; i++ {
		_, reporterToken := s.newSession(t)
		rec := s.do(t, http.MethodPost, "/api/report", reporterToken, models.ReportRequest{ReportedID: reportedID})
		if rec.Code != http.StatusOK {
			t.Fatalf("report %d: %d %s", i, rec.Code, rec.Body)
		}
	}

	// The reported identity is banned; the same address cannot get a new
	// session. httptest requests all share one client IP.
	rec := s.do(t, http.MethodPost, "/api/session", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("create after ban: %d, want 403", rec.Code)
	}
}
