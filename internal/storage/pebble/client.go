package pebble

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/creatorchat/internal/storage"
)

// Client: локальное durable-хранилище состояния в каталоге dir (переживает перезапуск без Redis).
type Client struct {
	db *pebble.DB
}

func New(dir string) (*Client, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pebble mkdir %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", dir, err)
	}
	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, closer, err := c.db.Get([]byte("state:" + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pebble get %s: %w", key, err)
	}
	// v валиден только до closer.Close: копируем.
	out := string(v)
	if err := closer.Close(); err != nil {
		return "", fmt.Errorf("pebble get %s: %w", key, err)
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	if err := c.db.Set([]byte("state:"+key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}
