package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
)

const (
	redisDialTimeout = 5 * time.Second
	// Reads stay short; the blocking pops and pub/sub receives in the workers
	// and streams set their own deadlines.
	redisReadTimeout = 3 * time.Second
)

// NewRedisClient creates and validates a Redis client connection. Redis only
// holds caches, channels and queues here; Postgres stays the source of truth.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opt.DialTimeout = redisDialTimeout
	opt.ReadTimeout = redisReadTimeout
	opt.ClientName = "exstem-attempt"

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Msg("Redis connected")

	return rdb, nil
}
