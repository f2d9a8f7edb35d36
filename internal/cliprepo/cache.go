/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cliprepo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cliploop/internal/models"
)

// DefaultClipListTTL bounds staleness when an invalidation is missed
// (e.g. a mutation from another instance).
const DefaultClipListTTL = 30 * time.Second

const keyClipList = "cliploop:cache:clips:" // + collection_id

// CacheConfig contains clip cache configuration.
type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ClipListTTL   time.Duration

	// DisableOnError trips the circuit breaker on the first Redis error
	// instead of retrying every call.
	DisableOnError bool
}

// Cache is a Redis-backed clip list cache with graceful fallback: when Redis
// is unreachable every lookup is a miss and the repository serves from the
// database.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
	config CacheConfig

	mu       sync.RWMutex
	disabled bool
}

// NewCache creates a clip cache. A Redis connection failure is not an error;
// the cache starts disabled.
func NewCache(cfg CacheConfig, logger zerolog.Logger) *Cache {
	if cfg.ClipListTTL <= 0 {
		cfg.ClipListTTL = DefaultClipListTTL
	}
	c := &Cache{
		logger: logger.With().Str("component", "clipcache").Logger(),
		ttl:    cfg.ClipListTTL,
		config: cfg,
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Redis unavailable, clip cache disabled")
		c.disabled = true
		_ = client.Close()
		return c
	}

	c.client = client
	c.logger.Info().Str("addr", cfg.RedisAddr).Msg("clip cache initialized")
	return c
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable reports whether the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}
	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")
	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling clip cache due to Redis error")
	}
}

// GetClips returns the cached clip list for the collection, or (nil, false)
// on a miss.
func (c *Cache) GetClips(ctx context.Context, collectionID string) ([]models.Clip, bool) {
	if !c.IsAvailable() {
		return nil, false
	}
	data, err := c.client.Get(ctx, keyClipList+collectionID).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.handleError(err, "get")
		return nil, false
	}
	var clips []models.Clip
	if err := json.Unmarshal(data, &clips); err != nil {
		c.logger.Debug().Err(err).Msg("failed to unmarshal cached clip list")
		return nil, false
	}
	return clips, true
}

// SetClips caches the clip list for the collection.
func (c *Cache) SetClips(ctx context.Context, collectionID string, clips []models.Clip) error {
	if !c.IsAvailable() {
		return nil
	}
	data, err := json.Marshal(clips)
	if err != nil {
		return fmt.Errorf("marshal clip list: %w", err)
	}
	if err := c.client.Set(ctx, keyClipList+collectionID, data, c.ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}

// InvalidateClips drops the cached clip list for the collection.
func (c *Cache) InvalidateClips(ctx context.Context, collectionID string) {
	if !c.IsAvailable() {
		return
	}
	if err := c.client.Del(ctx, keyClipList+collectionID).Err(); err != nil {
		c.handleError(err, "delete")
	}
}
