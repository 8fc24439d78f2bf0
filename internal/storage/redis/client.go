package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creatorchat/internal/storage"
	"github.com/redis/go-redis/v9"
)

// StateTTL: состояние клиента живёт 90 дней с последней записи.
const StateTTL = 90 * 24 * time.Hour

// Client хранит состояние под ключами chatd:{namespace}:{key}; namespace: обычно ID пользователя,
// чтобы несколько клиентов могли делить один Redis.
type Client struct {
	cli       *redis.Client
	namespace string
}

func New(ctx context.Context, url, namespace string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, namespace: namespace}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) key(k string) string {
	return "chatd:" + c.namespace + ":" + k
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.cli.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set перезаписывает значение и продлевает TTL.
func (c *Client) Set(ctx context.Context, key, value string) error {
	if err := c.cli.Set(ctx, c.key(key), value, StateTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
