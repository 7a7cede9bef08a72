// Package redis provides the optional Redis layer for usage statistics.
// The gateway runs fine without it; callers treat a nil client as disabled.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	PrefixStats = "ag2api:stats:"
)

// Client wraps the Redis connection.
type Client struct {
	rdb *redis.Client
}

// Config is the Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects and verifies the connection with a ping.
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// HGetAll retrieves all fields of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// Pipeline creates a new pipeline.
func (c *Client) Pipeline() redis.Pipeliner {
	return c.rdb.Pipeline()
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// ScanAll returns all keys matching a pattern using SCAN.
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
