package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/barkit/core/infra/config"
	"github.com/cordum/barkit/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

// RedisStore keeps locks as JSON values with a PX expiry.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store.
func NewRedisStore(url string, tlsCfg config.TLS) (*RedisStore, error) {
	client, err := redisutil.Connect(context.Background(), url, tlsCfg)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client. Close closes it.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire sets the lock if absent.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	resource, owner, err := normalizeArgs(resource, owner)
	if err != nil {
		return nil, false, err
	}
	ttl = normalizeTTL(ttl)
	now := time.Now().UTC()
	lock := &Lock{Resource: resource, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	payload, err := json.Marshal(lock)
	if err != nil {
		return nil, false, fmt.Errorf("encode lock: %w", err)
	}
	ok, err := s.client.SetNX(ctx, lockKey(resource), payload, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return lock, true, nil
}

// Release deletes the lock when owner holds it.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	resource, owner, err := normalizeArgs(resource, owner)
	if err != nil {
		return err
	}
	n, err := s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Renew extends the expiry when owner holds the lock.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	resource, owner, err := normalizeArgs(resource, owner)
	if err != nil {
		return err
	}
	ttl = normalizeTTL(ttl)
	expires := time.Now().UTC().Add(ttl)
	n, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)},
		owner,
		ttl.Milliseconds(),
		expires.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Get returns the current lock, or nil when the resource is free.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("resource required")
	}
	payload, err := s.client.Get(ctx, lockKey(resource)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(payload, &lock); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	return &lock, nil
}

func normalizeArgs(resource, owner string) (string, string, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", fmt.Errorf("resource and owner required")
	}
	return resource, owner, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

func lockKey(resource string) string {
	return "barkit:lock:" + resource
}

const releaseScript = `
local payload = redis.call("GET", KEYS[1])
if not payload then
  return 0
end
local lock = cjson.decode(payload)
if lock["owner"] ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`

const renewScript = `
local payload = redis.call("GET", KEYS[1])
if not payload then
  return 0
end
local lock = cjson.decode(payload)
if lock["owner"] ~= ARGV[1] then
  return 0
end
lock["expires_at"] = ARGV[3]
redis.call("SET", KEYS[1], cjson.encode(lock), "PX", tonumber(ARGV[2]))
return 1
`
