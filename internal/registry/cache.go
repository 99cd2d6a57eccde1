package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStore layers a Redis cache with optimistic versioning over the
// sqlite store. Each cached blob is paired with a version pointer key;
// the blob is only trusted when its embedded version matches the
// pointer. Stale blobs are evicted rather than served.
type CachedStore struct {
	store  *SQLStore
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore wraps store with the Redis cache tier.
func NewCachedStore(store *SQLStore, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) (*CachedStore, error) {
	if store == nil {
		return nil, errors.New("sql store is required")
	}
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{store: store, rdb: rdb, ttl: ttl, logger: logger}, nil
}

func blobKey(id string) string    { return "agentcfg:" + id }
func versionKey(id string) string { return "agentcfg:" + id + ":ver" }

// Get returns the agent config, preferring a version-validated cache hit.
func (c *CachedStore) Get(ctx context.Context, id string) (*AgentConfig, error) {
	if cfg := c.cachedGet(ctx, id); cfg != nil {
		return cfg, nil
	}

	cfg, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, cfg)
	return cfg, nil
}

// Upsert writes through to the sqlite store and refreshes the cache.
func (c *CachedStore) Upsert(ctx context.Context, cfg *AgentConfig) (*AgentConfig, error) {
	stored, err := c.store.Upsert(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, stored)
	return stored, nil
}

// cachedGet returns the cached config if the blob matches the version
// pointer, evicting and returning nil otherwise. Cache faults degrade
// to a store read.
func (c *CachedStore) cachedGet(ctx context.Context, id string) *AgentConfig {
	ver, err := c.rdb.Get(ctx, versionKey(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("config cache read failed", zap.String("agent_id", id), zap.Error(err))
		}
		return nil
	}

	blob, err := c.rdb.Get(ctx, blobKey(id)).Result()
	if err != nil {
		return nil
	}

	var cfg AgentConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		c.evict(ctx, id)
		return nil
	}

	wantVersion, err := strconv.ParseInt(ver, 10, 64)
	if err != nil || cfg.Version != wantVersion {
		// Stale or corrupt pointer: never trust it.
		c.evict(ctx, id)
		return nil
	}
	return &cfg
}

// populate writes the blob and version pointer. Failures are logged and
// ignored; the cache is an optimization, not a source of truth.
func (c *CachedStore) populate(ctx context.Context, cfg *AgentConfig) {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, blobKey(cfg.ID), blob, c.ttl).Err(); err != nil {
		c.logger.Warn("config cache write failed", zap.String("agent_id", cfg.ID), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, versionKey(cfg.ID), strconv.FormatInt(cfg.Version, 10), c.ttl).Err(); err != nil {
		c.logger.Warn("config cache version write failed", zap.String("agent_id", cfg.ID), zap.Error(err))
	}
}

func (c *CachedStore) evict(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, blobKey(id), versionKey(id)).Err(); err != nil {
		c.logger.Warn("config cache eviction failed", zap.String("agent_id", id), zap.Error(err))
	}
}
