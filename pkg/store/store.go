// Package store provides the Valkey connection shared by the upload registry
// and the job queue. Valkey (or any Redis-protocol server) is the only state
// carrier between the API and worker processes.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/config"
)

// Connect creates a Valkey client and verifies the connection with a ping.
func Connect(ctx context.Context, cfg config.ValkeyConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr(),
		DB:   cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.Addr(), err)
	}

	logger.Info("Connected to valkey", "addr", cfg.Addr(), "db", cfg.DB)
	return client, nil
}
