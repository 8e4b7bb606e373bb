package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/quickdrop/internal/config"
	"github.com/wilsonzlin/quickdrop/internal/metrics"
	"github.com/wilsonzlin/quickdrop/internal/store"
)

const sweepInterval = time.Minute

// openStore builds the session store for cfg. The memory backend is swept
// in the background until ctx is done.
func openStore(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*store.Store, error) {
	storeCfg := store.Config{TTL: cfg.SessionTTL, Metrics: m}

	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s := store.New(store.NewRedisBackend(client), storeCfg)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			// Not fatal: /readyz reports it until Redis comes up.
			logger.Warn("redis not reachable at startup", "redis_addr", cfg.RedisAddr, "err", err)
		}
		return s, nil

	case config.StoreBackendMemory:
		backend := store.NewMemoryBackend(nil)
		go sweep(ctx, clock.New(), backend, logger)
		return store.New(backend, storeCfg), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func sweep(ctx context.Context, clk clock.Clock, backend *store.MemoryBackend, logger *slog.Logger) {
	ticker := clk.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := backend.Sweep(); n > 0 {
				logger.Debug("expired sessions removed", "count", n, "remaining", backend.Len())
			}
		}
	}
}
