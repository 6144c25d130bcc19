// Package store implements the fly.data and fly.cache backends: SQLite,
// PostgreSQL and Redis.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/settings"
)

const (
	maxConnectAttempts = 5
	maxConnectInterval = 5 * time.Second
)

// OpenData opens the configured data store. A nil cfg yields a nil store.
func OpenData(ctx context.Context, cfg settings.DataStore, logger *slog.Logger) (core.DataStore, error) {
	switch c := cfg.(type) {
	case nil:
		return nil, nil
	case *settings.SqliteStore:
		logger.Info("opening data store", "kind", c.Kind(), "filename", c.Filename)
		s, err := OpenSQLiteData(ctx, c.Filename)
		if err != nil {
			return nil, err
		}
		return s, nil
	case *settings.PostgresStore:
		logger.Info("opening data store", "kind", c.Kind())
		pool, err := connectPostgres(ctx, *c, logger)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPostgresData(pool), nil
	default:
		return nil, fmt.Errorf("unsupported data store %q", cfg.Kind())
	}
}

// OpenCache opens the configured cache store. A nil cfg yields a nil store.
func OpenCache(ctx context.Context, cfg settings.CacheStore, logger *slog.Logger) (core.CacheStore, error) {
	switch c := cfg.(type) {
	case nil:
		return nil, nil
	case *settings.SqliteStore:
		logger.Info("opening cache store", "kind", c.Kind(), "filename", c.Filename)
		s, err := OpenSQLiteCache(ctx, c.Filename)
		if err != nil {
			return nil, err
		}
		return s, nil
	case *settings.RedisStore:
		logger.Info("opening cache store", "kind", c.Kind(), "namespace", c.Namespace)
		rc, err := NewRedisCache(c.URL, c.Namespace)
		if err != nil {
			return nil, err
		}
		if err := retryConnect(ctx, "redis", logger, rc.Ping); err != nil {
			_ = rc.Close()
			return nil, err
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unsupported cache store %q", cfg.Kind())
	}
}

func connectPostgres(ctx context.Context, cfg settings.PostgresStore, logger *slog.Logger) (*pgxpool.Pool, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := retryConnect(ctx, "postgres", logger, pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// retryConnect calls ping until it succeeds, backing off exponentially
// between attempts.
func retryConnect(ctx context.Context, name string, logger *slog.Logger, ping func(context.Context) error) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxConnectInterval

	var err error
	for attempt := 1; ; attempt++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if attempt == maxConnectAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxConnectInterval
		}
		logger.Warn("store not reachable, retrying", "store", name, "attempt", attempt, "retry_in", sleep, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to %s: %w", name, ctx.Err())
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("connecting to %s after %d attempts: %w", name, maxConnectAttempts, err)
}
