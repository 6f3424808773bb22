package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/config"
)

// Open creates a new PostgreSQL connection pool from the database config.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	pc.MaxConns = int32(cfg.PoolMax)
	pc.MinConns = 2
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = time.Duration(cfg.PoolIdleMs) * time.Millisecond
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.ConnectTimeout = time.Duration(cfg.PoolConnectMs) * time.Millisecond

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", pc.MaxConns).
		Str("host", cfg.Host).
		Str("database", cfg.Name).
		Msg("postgres connection pool created")

	return pool, nil
}

// OpenURL creates a pool from a raw connection string. Used by tests.
func OpenURL(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
