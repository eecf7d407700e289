package inference

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/food-calorie/internal/metrics"
	"github.com/example/food-calorie/internal/retry"
)

// Cache abstracts the Redis operations used by the estimate cache to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = redis.Nil

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

type cachedEstimate struct {
	Calories   float64  `json:"calories"`
	Backend    string   `json:"backend"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Cached short-circuits repeat predictions for byte-identical images.
// Cache failures are logged and never fail a prediction; errors are never cached.
type Cached struct {
	next    Backend
	cache   Cache
	ttl     time.Duration
	policy  retry.Policy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewCached(next Backend, cache Cache, ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *Cached {
	return &Cached{
		next:    next,
		cache:   cache,
		ttl:     ttl,
		policy:  retry.DefaultPolicy(),
		logger:  logger.Named("estimate_cache"),
		metrics: m,
	}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Predict(ctx context.Context, image []byte) (Estimate, error) {
	sum := sha1.Sum(image)
	hash := hex.EncodeToString(sum[:])
	key := "estimate:" + c.next.Name() + ":" + hash

	if estimate, ok := c.lookup(ctx, key, hash); ok {
		return estimate, nil
	}

	estimate, err := c.next.Predict(ctx, image)
	if err != nil {
		return Estimate{}, err
	}

	payload := cachedEstimate{Calories: estimate.Calories(), Backend: estimate.Backend()}
	if confidence, ok := estimate.Confidence(); ok {
		payload.Confidence = &confidence
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("failed to encode estimate for cache", zap.Error(err))
		return estimate, nil
	}
	if err := c.policy.Do(ctx, c.logger, "cache.set.estimate", hash, func() error {
		return c.cache.Set(ctx, key, string(serialized), c.ttl)
	}); err != nil {
		c.logger.Warn("failed to cache estimate", zap.Error(err))
	}
	return estimate, nil
}

func (c *Cached) lookup(ctx context.Context, key, hash string) (Estimate, bool) {
	var (
		raw  string
		miss bool
	)
	// A miss is an answer, not a failure, so it never reaches the retry policy.
	err := c.policy.Do(ctx, c.logger, "cache.get.estimate", hash, func() error {
		value, err := c.cache.Get(ctx, key)
		if errors.Is(err, ErrCacheMiss) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		c.metrics.CacheLookup("error")
		c.logger.Warn("failed to read estimate cache", zap.Error(err))
		return Estimate{}, false
	}
	if miss {
		c.metrics.CacheLookup("miss")
		return Estimate{}, false
	}

	var payload cachedEstimate
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		c.metrics.CacheLookup("error")
		c.logger.Warn("failed to decode cached estimate", zap.Error(err))
		return Estimate{}, false
	}
	estimate, err := newEstimate(payload.Backend, payload.Calories)
	if err != nil {
		c.metrics.CacheLookup("error")
		return Estimate{}, false
	}
	if payload.Confidence != nil {
		estimate = estimate.withConfidence(*payload.Confidence)
	}
	c.metrics.CacheLookup("hit")
	return estimate, true
}
