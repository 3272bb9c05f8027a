// Package redis owns the process-wide client shared by every store.
package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/driftchat/config"
)

var client *redis.Client

// Connect dials Redis and verifies the connection with a bounded ping.
func Connect(cfg config.RedisConfig) error {
	client = redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

func GetClient() *redis.Client {
	return client
}
