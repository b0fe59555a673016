package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis-backed stores.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Redis is the process-wide handle to the Redis document store. It is
// constructed once at startup and passed explicitly into each typed store.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping redis %s: %w", cfg.Address, err)
	}
	return &Redis{client: client, prefix: cfg.Prefix}, nil
}

// NewRedisWithClient creates a Redis handle backed by a pre-built client.
// This is intended for testing.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(suffix string) string {
	return r.prefix + suffix
}

// isNil reports whether err is the redis missing-key reply.
func isNil(err error) bool {
	return err == redis.Nil
}

// patchAttempts bounds the optimistic retry loop around WATCH-guarded
// read-modify-write updates.
const patchAttempts = 8
