package storage

import (
	"context"
	"errors"
)

// KeyLastSelectedRoom: ключ последнего открытого чата; читается при старте, пишется при каждом выборе.
const KeyLastSelectedRoom = "last_selected_room_id"

// KeyPushSubscriptions: JSON-список браузерных Web Push подписок.
const KeyPushSubscriptions = "push_subscriptions"

// ErrNotFound возвращается Get, если ключа нет.
var ErrNotFound = errors.New("storage: key not found")

// StateStore: маленькое key-value хранилище состояния клиента.
// Реализации: memory.Client (по умолчанию и в тестах), redis.Client, pebble.Client (локальный файл).
// Согласованность best-effort: потеря записи означает только то, что после перезапуска не откроется прошлый чат.
type StateStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}
