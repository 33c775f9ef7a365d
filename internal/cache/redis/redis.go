// Package redis provides a Redis/Valkey cache driver.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/web-tech-tw/freya-go/internal/cache"
)

// Config holds Redis connection configuration, read from [cache.drivers.redis].
type Config struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	DialTimeoutMS     int    `mapstructure:"dial_timeout_ms"`
	ReadTimeoutMS     int    `mapstructure:"read_timeout_ms"`
	WriteTimeoutMS    int    `mapstructure:"write_timeout_ms"`
	PoolSize          int    `mapstructure:"pool_size"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
}

// DefaultConfig returns sensible defaults for Redis connection.
func DefaultConfig() *Config {
	return &Config{
		Addr:              "localhost:6379",
		DialTimeoutMS:     5000,
		ReadTimeoutMS:     3000,
		WriteTimeoutMS:    3000,
		PoolSize:          10,
		KeyPrefix:         "freya:",
		DefaultTTLSeconds: 15 * 60,
	}
}

func init() {
	cache.RegisterDriver("redis", func(options map[string]any, logger *slog.Logger) (cache.CacheWithCounter, error) {
		cfg := DefaultConfig()
		if err := cache.DecodeOptions(options, cfg); err != nil {
			return nil, err
		}
		c, err := New(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("redis cache connected", "addr", cfg.Addr, "db", cfg.DB)
		return c, nil
	})
}

// Cache stores values and counters in Redis.
type Cache struct {
	client     *goredis.Client
	prefix     string
	defaultTTL time.Duration
}

// New connects to Redis and fails fast if it is unreachable.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), client.Options().DialTimeout+time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", cfg.Addr, err)
	}

	ttl := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{client: client, prefix: cfg.KeyPrefix, defaultTTL: ttl}, nil
}

func (c *Cache) key(k string) string { return c.prefix + k }

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return c.defaultTTL
	}
	return ttl
}

// Get retrieves a value by key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, c.ttl(ttl)).Err()
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// Exists checks if a key exists.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Increment adds delta to a counter. The TTL is set only when the
// increment created the key, so the window does not slide.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	k := "ctr:" + c.key(key)
	count, err := c.client.IncrBy(ctx, k, delta).Result()
	if err != nil {
		return 0, err
	}
	if count == delta {
		if err := c.client.Expire(ctx, k, c.ttl(ttl)).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// GetCount returns the current counter value.
func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	raw, err := c.client.Get(ctx, "ctr:"+c.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Reset sets a counter to 0.
func (c *Cache) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, "ctr:"+c.key(key)).Err()
}

// Health pings the server.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

var _ cache.CacheWithCounter = (*Cache)(nil)
