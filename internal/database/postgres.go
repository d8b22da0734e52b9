package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
)

const (
	pgConnectTimeout    = 10 * time.Second
	pgHealthCheckPeriod = 30 * time.Second
	pgMaxConnIdleTime   = 5 * time.Minute
)

// NewPostgresPool creates and validates a PostgreSQL connection pool. Every
// attempt write runs in a short row-locking transaction, so the pool keeps a
// few warm connections and drops idle ones quickly.
func NewPostgresPool(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxDBConns
	poolCfg.MinConns = min(2, cfg.MaxDBConns)
	poolCfg.HealthCheckPeriod = pgHealthCheckPeriod
	poolCfg.MaxConnIdleTime = pgMaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = pgConnectTimeout
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "exstem-attempt"

	connectCtx, cancel := context.WithTimeout(ctx, pgConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().
		Str("host", poolCfg.ConnConfig.Host).
		Str("database", poolCfg.ConnConfig.Database).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("PostgreSQL connected")

	return pool, nil
}
