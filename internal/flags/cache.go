package flags

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CacheTTL is the lifetime of a cached evaluation result.
const CacheTTL = 60 * time.Second

// cachedResult is what's stored per (key, contextHash).
type cachedResult struct {
	Value     bool      `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Cache stores isEnabled results keyed by "<flagKey>:<contextHash>". It
// prefers Redis when configured and reachable, and falls back to an
// in-process map otherwise, so a missing Redis never makes flag reads fail.
type Cache struct {
	client  *redis.Client
	enabled bool
	logger  zerolog.Logger

	mu    sync.Mutex
	local map[string]cachedResult
}

// CacheConfig configures the Redis connection backing the flag cache.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// NewCache builds a Cache. If Enabled is false or the ping fails, the cache
// falls back to pure in-process storage without returning an error.
func NewCache(cfg CacheConfig, logger zerolog.Logger) *Cache {
	c := &Cache{logger: logger.With().Str("component", "flags-cache").Logger(), local: make(map[string]cachedResult)}
	if !cfg.Enabled {
		return c
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("flag cache redis unavailable, falling back to in-process cache")
		return c
	}
	c.client = client
	c.enabled = true
	return c
}

// IsEnabled reports whether the Redis-backed path is active.
func (c *Cache) IsEnabled() bool {
	return c.enabled && c.client != nil
}

// ContextHash produces a stable hash for a flag evaluation context, used to
// key cache entries per (flagKey, context).
func ContextHash(ctx Context) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(ctx))
	for _, k := range keys {
		ordered[k] = ctx[k]
	}
	raw, _ := json.Marshal(ordered)
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

func cacheKey(flagKey, contextHash string) string {
	return flagKey + ":" + contextHash
}

// Get returns the cached boolean for (flagKey, contextHash), if present and unexpired.
func (c *Cache) Get(ctx context.Context, flagKey, contextHash string) (bool, bool) {
	key := cacheKey(flagKey, contextHash)
	if c.IsEnabled() {
		raw, err := c.client.Get(ctx, key).Result()
		if err != nil {
			return false, false
		}
		var cr cachedResult
		if err := json.Unmarshal([]byte(raw), &cr); err != nil {
			return false, false
		}
		return cr.Value, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cr, ok := c.local[key]
	if !ok || time.Now().After(cr.ExpiresAt) {
		return false, false
	}
	return cr.Value, true
}

// Set stores value for (flagKey, contextHash) with CacheTTL.
func (c *Cache) Set(ctx context.Context, flagKey, contextHash string, value bool) {
	key := cacheKey(flagKey, contextHash)
	cr := cachedResult{Value: value, ExpiresAt: time.Now().Add(CacheTTL)}
	if c.IsEnabled() {
		raw, _ := json.Marshal(cr)
		if err := c.client.Set(ctx, key, raw, CacheTTL).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("flag cache set failed")
		}
		return
	}
	c.mu.Lock()
	c.local[key] = cr
	c.mu.Unlock()
}

// InvalidatePrefix removes every cached entry for flagKey (keys "<flagKey>:*").
func (c *Cache) InvalidatePrefix(ctx context.Context, flagKey string) {
	prefix := flagKey + ":"
	if c.IsEnabled() {
		iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			c.client.Del(ctx, iter.Val())
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.local {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.local, k)
		}
	}
}

// Sweep removes expired local entries. Redis entries expire natively via
// TTL. The host runs it every 5 minutes on the shared cron.
func (c *Cache) Sweep() {
	if c.IsEnabled() {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cr := range c.local {
		if now.After(cr.ExpiresAt) {
			delete(c.local, k)
		}
	}
}
