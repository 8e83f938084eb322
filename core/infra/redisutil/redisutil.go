// Package redisutil dials the Redis instance shared by progress snapshots and
// box locks.
package redisutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/barkit/core/infra/config"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	pingTimeout     = 2 * time.Second
)

// Options parses url and applies tlsCfg on top of any TLS the scheme asks
// for (rediss://).
func Options(url string, tlsCfg config.TLS) (*redis.Options, error) {
	if strings.TrimSpace(url) == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if !tlsCfg.Enabled() {
		return opts, nil
	}
	tc, err := tlsCfg.Client()
	if err != nil {
		return nil, fmt.Errorf("redis %w", err)
	}
	opts.TLSConfig = tc
	return opts, nil
}

// Connect builds a client for url and pings it. An empty url falls back to
// the local default.
func Connect(ctx context.Context, url string, tlsCfg config.TLS) (redis.UniversalClient, error) {
	opts, err := Options(url, tlsCfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return client, nil
}
