package memory

import (
	"context"
	"sync"

	"github.com/creatorchat/internal/storage"
)

// Client держит состояние в памяти процесса; после перезапуска всё теряется.
type Client struct {
	mu   sync.RWMutex
	vals map[string]string
}

func New() *Client {
	return &Client{vals: make(map[string]string)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vals[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[key] = value
	return nil
}
