package store

import (
	"context"
	"fmt"
	"log/slog"

	"aegis/internal/config"
)

// Open builds store backend selected by config.
// Params: context, runtime config, and logger.
// Returns: store or backend init error.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory, "":
		return NewMemoryStore(), nil
	case config.StoreBackendNATS:
		return NewNATSStore(cfg.NATS.URL, cfg.Store.KVBucket)
	case config.StoreBackendPostgres:
		migrateOnStart := cfg.Store.Postgres.MigrateOnStart == nil || *cfg.Store.Postgres.MigrateOnStart
		return NewPostgresStore(ctx, cfg.Store.Postgres.DSN, cfg.Store.Postgres.MaxOpenConns, migrateOnStart, logger)
	default:
		return nil, fmt.Errorf("store backend %q is not supported", cfg.Store.Backend)
	}
}
