// Package backend 根据配置选择并打开状态存储后端。
package backend

import (
	"fmt"

	"go.uber.org/zap"

	"cybertemp/agent/internal/config"
	"cybertemp/agent/internal/storage"
	"cybertemp/agent/internal/storage/filesystem"
	"cybertemp/agent/internal/storage/memory"
	"cybertemp/agent/internal/storage/redis"
	"cybertemp/agent/internal/storage/sql"
)

// Open 按 cfg.Storage.Type 创建键值存储
func Open(cfg *config.Config, logger *zap.Logger) (storage.KV, error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		logger.Info("using memory storage")
		return memory.NewStore(), nil

	case config.StorageFile, "":
		store, err := filesystem.NewStore(cfg.Storage.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open file storage: %w", err)
		}
		logger.Info("using file storage", zap.String("path", store.Path()))
		return store, nil

	case config.StorageRedis:
		rdb, err := redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis storage", zap.String("prefix", cfg.Redis.KeyPrefix))
		return redis.NewStore(rdb, cfg.Redis.KeyPrefix, logger), nil

	case config.StorageSQLite, config.StoragePostgres:
		store, err := sql.NewStore(cfg.Storage.Type, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Type, err)
		}
		logger.Info("using database storage", zap.String("driver", cfg.Storage.Type))
		return store, nil

	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownBackend, cfg.Storage.Type)
	}
}
