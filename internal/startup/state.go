package startup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/creatorchat/internal/config"
	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/storage"
	"github.com/creatorchat/internal/storage/memory"
	pebblestorage "github.com/creatorchat/internal/storage/pebble"
)

const redisMaxWait = 30 * time.Second

// OpenStateStore открывает хранилище состояния клиента по STATE_BACKEND.
func OpenStateStore(ctx context.Context, cfg *config.Config) (storage.StateStore, error) {
	switch cfg.State.Backend {
	case config.StateBackendRedis:
		ns := strconv.FormatInt(cfg.UserID, 10)
		c, err := ConnectRedisWithRetry(ctx, cfg.State.RedisURL, ns, redisMaxWait)
		if err != nil {
			return nil, err
		}
		logger.Infof("state store: redis ns=%s", ns)
		return c, nil
	case config.StateBackendPebble:
		c, err := pebblestorage.New(cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("pebble %s: %w", cfg.State.Path, err)
		}
		logger.Infof("state store: pebble path=%s", cfg.State.Path)
		return c, nil
	case config.StateBackendMemory, "":
		logger.Info("state store: memory (selection is not kept across restarts)")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}
