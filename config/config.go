package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	IPHashSalt     string
	Redis          RedisConfig
	Timeouts       TimeoutConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// TimeoutConfig groups the tunable intervals. Moderation knobs (report
// threshold, ban duration) are deliberately fixed and live in the session
// package.
type TimeoutConfig struct {
	QueueOp           time.Duration // matchmaking store round trips
	Connect           time.Duration // total negotiation silence budget
	ICEGrace          time.Duration // disconnected -> restart grace
	HeartbeatInterval time.Duration // session expiry window is 5x this
	MatchPoll         time.Duration // pollMatch fallback interval
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		IPHashSalt:     getEnv("IP_HASH_SALT", "driftchat"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Timeouts: TimeoutConfig{
			QueueOp:           getDuration("QUEUE_OP_TIMEOUT", 15*time.Second),
			Connect:           getDuration("CONNECT_TIMEOUT", 20*time.Second),
			ICEGrace:          getDuration("ICE_GRACE", 2500*time.Millisecond),
			HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 25*time.Second),
			MatchPoll:         getDuration("MATCH_POLL_INTERVAL", 2*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are seconds.
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
