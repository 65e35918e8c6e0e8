package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the pub/sub channels.
const DefaultRedisPrefix = "mailguard:"

// RedisNotifier publishes every topic on the Redis channel "<prefix><topic>".
type RedisNotifier struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisNotifier connects to the Redis server at url (redis://host:port/db).
func NewRedisNotifier(ctx context.Context, url string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisNotifier{rdb: rdb, prefix: DefaultRedisPrefix}, nil
}

// Channel returns the Redis channel used for topic.
func (n *RedisNotifier) Channel(topic string) string {
	return n.prefix + topic
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, topic string, payload any) error {
	body, err := encode(topic, payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.Channel(topic), body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
