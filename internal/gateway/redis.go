package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the state-mirror/command-bus collaborator: it
// publishes link state into a Redis hash and bridges the outbound PDU
// queue and inbound receive slot through a pair of Redis lists, so a
// standalone binary can stand in for "the upper BACnet network layer"
// (spec.md §6) without one being present.
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient connects to addr and verifies it with a PING.
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisClient{client: client, ctx: ctx}, nil
}

// WriteString writes a single field of the link-state hash.
func (c *RedisClient) WriteString(key, field, value string) error {
	return c.client.HSet(c.ctx, key, field, value).Err()
}

// WriteInt writes a single integer field of the link-state hash.
func (c *RedisClient) WriteInt(key, field string, value int) error {
	return c.client.HSet(c.ctx, key, field, value).Err()
}

// WriteAndPublishString writes a hash field and publishes its new value
// on key so interested subscribers don't need to poll the hash.
func (c *RedisClient) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// LPush pushes value onto the head of a Redis list.
func (c *RedisClient) LPush(key, value string) error {
	return c.client.LPush(c.ctx, key, value).Err()
}

// BRPop blocks up to timeout for an element on key, or indefinitely if
// timeout is 0. A nil, nil return means the call timed out.
func (c *RedisClient) BRPop(timeout time.Duration, key string) ([]string, error) {
	result, err := c.client.BRPop(c.ctx, timeout, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("BRPOP %s: %v", key, err)
	}
	return result, nil
}

// Close closes the underlying connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}
