package access

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/plazahq/plaza/pkg/observability"
)

// DecisionTTL is how long a remote decision stays cached. Short on purpose:
// a revoked role must take effect within this window.
const DecisionTTL = 30 * time.Second

const localCacheSize = 4096

// DecisionCache caches remote access decisions. Redis-backed when a client
// is configured so the cache is shared across replicas; otherwise a small
// in-process LRU. Short-circuit outcomes and transport errors are never
// cached; only genuine remote decisions pass through here.
type DecisionCache struct {
	redis   *redis.Client
	local   *lru.Cache[string, localEntry]
	metrics *observability.Metrics
}

type localEntry struct {
	allowed   bool
	expiresAt time.Time
}

// NewDecisionCache creates a decision cache. redisClient may be nil, in
// which case only the in-process LRU is used.
func NewDecisionCache(redisClient *redis.Client, metrics *observability.Metrics) (*DecisionCache, error) {
	local, err := lru.New[string, localEntry](localCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create local decision cache: %w", err)
	}
	return &DecisionCache{
		redis:   redisClient,
		local:   local,
		metrics: metrics,
	}, nil
}

func cacheKey(tenantID, userID, permission, scopeType, scopeID string) string {
	return fmt.Sprintf("access:decision:%s:%s:%s:%s:%s", tenantID, userID, permission, scopeType, scopeID)
}

func (c *DecisionCache) hit(cache string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(cache).Inc()
	}
}

func (c *DecisionCache) miss(cache string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// Get returns the cached decision and whether one was present.
func (c *DecisionCache) Get(ctx context.Context, key string) (bool, bool) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, key).Result()
		if err == nil {
			c.hit("redis")
			return val == "1", true
		}
		// redis miss or outage falls through to the local cache
		c.miss("redis")
	}

	entry, ok := c.local.Get(key)
	if !ok || time.Now().After(entry.expiresAt) {
		c.miss("local")
		return false, false
	}
	c.hit("local")
	return entry.allowed, true
}

// Set stores a remote decision under the standard TTL. Redis failures are
// ignored; the cache is an availability optimization, not a source of truth.
func (c *DecisionCache) Set(ctx context.Context, key string, allowed bool) {
	if c.redis != nil {
		val := "0"
		if allowed {
			val = "1"
		}
		_ = c.redis.Set(ctx, key, val, DecisionTTL).Err()
	}
	c.local.Add(key, localEntry{allowed: allowed, expiresAt: time.Now().Add(DecisionTTL)})
}
