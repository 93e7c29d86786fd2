// Package cache is a Redis read-through cache for tenant reports. Entries are
// namespaced by a per-tenant generation counter, so invalidating a tenant is a
// single INCR and stale keys simply expire.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LookupObserver receives hit/miss events. *telemetry.Provider implements it.
type LookupObserver interface {
	ObserveCacheLookup(hit bool)
}

type ReportCache struct {
	client   redis.UniversalClient
	ttl      time.Duration
	prefix   string
	observer LookupObserver
	logger   zerolog.Logger
}

// New returns a cache over client. A nil client yields a pass-through cache.
func New(client redis.UniversalClient, ttl time.Duration, observer LookupObserver, logger zerolog.Logger) *ReportCache {
	return &ReportCache{client: client, ttl: ttl, prefix: "mhehr:reports", observer: observer, logger: logger}
}

// NewClient parses a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (c *ReportCache) enabled() bool {
	return c != nil && c.client != nil
}

func (c *ReportCache) genKey(tenant string) string {
	return fmt.Sprintf("%s:%s:gen", c.prefix, tenant)
}

func (c *ReportCache) generation(ctx context.Context, tenant string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(tenant)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Invalidate drops every cached report for tenant.
func (c *ReportCache) Invalidate(ctx context.Context, tenant string) error {
	if !c.enabled() {
		return nil
	}
	if err := c.client.Incr(ctx, c.genKey(tenant)).Err(); err != nil {
		return fmt.Errorf("invalidate reports for %s: %w", tenant, err)
	}
	return nil
}

func (c *ReportCache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(hit)
	}
}

// Remember returns the cached value under key for tenant, computing and
// storing it on a miss. Redis failures degrade to computing the value.
func Remember[T any](ctx context.Context, c *ReportCache, tenant, key string, compute func(context.Context) (T, error)) (T, error) {
	if !c.enabled() || tenant == "" {
		return compute(ctx)
	}

	gen, err := c.generation(ctx, tenant)
	if err != nil {
		c.logger.Warn().Err(err).Str("tenant", tenant).Msg("report cache unavailable")
		return compute(ctx)
	}
	fullKey := fmt.Sprintf("%s:%s:%d:%s", c.prefix, tenant, gen, key)

	raw, err := c.client.Get(ctx, fullKey).Bytes()
	if err == nil {
		var cached T
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			c.observe(true)
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn().Err(err).Str("tenant", tenant).Msg("report cache read failed")
	}
	c.observe(false)

	val, err := compute(ctx)
	if err != nil {
		return val, err
	}
	if raw, err := json.Marshal(val); err == nil {
		if err := c.client.Set(ctx, fullKey, raw, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("tenant", tenant).Msg("report cache write failed")
		}
	}
	return val, nil
}
