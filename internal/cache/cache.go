// Package cache stores rendered API responses keyed by run and path.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ghost_energy/internal/config"
)

const keyPrefix = "ghost_energy:"

// Cache is a byte store with a fixed TTL. A miss is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Key builds the cache key of path within run. Responses of an older run
// are never served once a new run is published.
func Key(runID, path string) string {
	return keyPrefix + runID + ":" + path
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (Cache, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("Redis cache initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Duration("ttl", cfg.TTL))
	return &redisCache{client: client, ttl: cfg.TTL, logger: logger}, nil
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		r.logger.Error("Redis get failed", zap.String("key", key), zap.Error(err))
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return v, true, nil
}

func (r *redisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		r.logger.Error("Redis set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *redisCache) Close() error {
	return r.client.Close()
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte) error         { return nil }
func (Noop) Close() error                                      { return nil }

// New returns a Redis cache when enabled and Noop otherwise.
func New(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (Cache, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewRedis(ctx, cfg, logger)
}
