// Package store builds the snapshot store selected by the configuration.
package store

import (
	"fmt"
	"log/slog"

	"github.com/HatiCode/pvsite/cmd/pvforecaster/config"
	"github.com/HatiCode/pvsite/pkg/storage"
)

// New returns a memory or Redis store. Memory snapshots expire after
// RedisTTL too so that sites dropped from the PV source stop being served.
func New(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case "redis":
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		logger.Info("using redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.RedisTTL)
		return s, nil

	case "memory", "":
		if cfg.RedisTTL > 0 {
			logger.Info("using in-memory storage", "ttl", cfg.RedisTTL)
			return storage.NewMemoryStoreWithTTL(cfg.RedisTTL, 0), nil
		}
		logger.Info("using in-memory storage")
		return storage.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("invalid storage backend %q", cfg.Storage)
	}
}

// Close releases the resources held by s.
func Close(s storage.Store) error {
	switch v := s.(type) {
	case interface{ Close() error }:
		return v.Close()
	case interface{ Stop() }:
		v.Stop()
	}
	return nil
}
