// Package redis wraps go-redis with the few stream operations the capture
// journal needs. The runtime writes with XADD and the offline analyzer
// replays with XRANGE; nothing here consumes groups or blocks.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client is the stream-oriented wrapper.
type Client struct {
	rdb *redis.Client
	log Logger
}

func NewClient(rdb *redis.Client, log Logger) *Client {
	return &Client{rdb: rdb, log: log}
}

// AddToStream appends one record to a stream and returns its id.
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		c.log.Error("redis XADD failed", "stream", stream, "error", err)
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

// ReadStreamRange replays a whole stream in id order.
func (c *Client) ReadStreamRange(ctx context.Context, stream string) ([]redis.XMessage, error) {
	msgs, err := c.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		c.log.Error("redis XRANGE failed", "stream", stream, "error", err)
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}
	c.log.Debug("stream replayed", "stream", stream, "count", len(msgs))
	return msgs, nil
}

// Health pings with a short deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
