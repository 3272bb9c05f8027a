package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/config"
	"github.com/driftchat/driftchat/internal/handlers"
	"github.com/driftchat/driftchat/internal/matchmaking"
	"github.com/driftchat/driftchat/internal/middleware"
	"github.com/driftchat/driftchat/internal/redis"
	"github.com/driftchat/driftchat/internal/room"
	"github.com/driftchat/driftchat/internal/session"
	sig "github.com/driftchat/driftchat/internal/signal"
)

func main() {
	cfg := config.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Environment != "production" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := redis.Connect(cfg.Redis); err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redis.Close()
	client := redis.GetClient()
	logger.Info().Str("host", cfg.Redis.Host).Msg("redis connection established")

	queue := matchmaking.NewQueue(
		matchmaking.NewRedisStore(client),
		matchmaking.NewRedisNotifier(client),
		logger,
	)
	rooms := room.NewRedisStore(client)
	registry := session.NewRegistry(
		session.NewRedisStore(client),
		queue,
		rooms,
		cfg.JWTSecret,
		cfg.IPHashSalt,
		cfg.Timeouts.HeartbeatInterval,
		logger,
	)
	relay := sig.NewRedisRelay(client, logger)

	api := &handlers.API{
		Registry:  registry,
		Queue:     queue,
		Rooms:     rooms,
		Relay:     relay,
		Publisher: relay,
		Fallback:  sig.NewRedisFallback(client),
		Logger:    logger,
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

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

	// WebSocket signaling; the token rides in the query string.
	router.GET("/ws/signal/:roomId", api.HandleSignalSocket)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
}
