package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/barkit/core/infra/config"
	"github.com/cordum/barkit/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	defaultProgressTTL = 24 * time.Hour
	envProgressTTL     = "BARKIT_PROGRESS_TTL"
	redisKeyPrefix     = "barkit:progress:"
)

// RedisCache publishes snapshots with one SET per update so pollers on
// other nodes see either the old or the new state.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache connects to url with tlsCfg. ttl <= 0 reads BARKIT_PROGRESS_TTL, then
// falls back to one day.
func NewRedisCache(url string, tlsCfg config.TLS, ttl time.Duration) (*RedisCache, error) {
	client, err := redisutil.Connect(context.Background(), url, tlsCfg)
	if err != nil {
		return nil, err
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = parseDurationEnv(envProgressTTL, defaultProgressTTL)
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Close closes the underlying Redis client.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) Put(ctx context.Context, key string, state State) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("progress cache unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("store progress: %w", err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (State, bool, error) {
	if c == nil || c.client == nil {
		return State{}, false, fmt.Errorf("progress cache unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read progress: %w", err)
	}
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return state, true, nil
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}
