// Package redis provides a shared embedding cache tier backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/thebtf/concord/internal/db"
)

const (
	defaultPrefix = "concord:emb:"
	defaultTTL    = 7 * 24 * time.Hour
)

// Config holds Redis connection settings.
type Config struct {
	URL       string
	Prefix    string
	TTL       time.Duration
	MaxIdle   int
	MaxActive int
}

// Cache stores embeddings in Redis with a TTL.
type Cache struct {
	pool   *redis.Pool
	prefix string
	ttl    time.Duration
}

var _ db.EmbeddingCache = (*Cache)(nil)

// NewCache creates a pooled cache and verifies connectivity.
func NewCache(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is empty")
	}
	pool := &redis.Pool{
		MaxIdle:     max(cfg.MaxIdle, 2),
		MaxActive:   cfg.MaxActive,
		IdleTimeout: 240 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, cfg.URL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	c := newCache(pool, cfg)
	if err := c.Ping(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return c, nil
}

func newCache(pool *redis.Pool, cfg Config) *Cache {
	c := &Cache{pool: pool, prefix: cfg.Prefix, ttl: cfg.TTL}
	if c.prefix == "" {
		c.prefix = defaultPrefix
	}
	if c.ttl <= 0 {
		c.ttl = defaultTTL
	}
	return c
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// Get returns the cached vector for key.
func (c *Cache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	blob, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", c.key(key)))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	vec, err := db.DecodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Put stores vec under key with the configured TTL.
func (c *Cache) Put(ctx context.Context, key string, vec []float32) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "SET", c.key(key), db.EncodeVector(vec), "EX", int64(c.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases pooled connections.
func (c *Cache) Close() error {
	return c.pool.Close()
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}
