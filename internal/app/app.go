// Package app wires configuration into the concrete storage and membership
// backends shared by the binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lendtrack/internal/clients"
	"lendtrack/internal/config"
	"lendtrack/internal/membership"
	"lendtrack/internal/storage"
	"lendtrack/internal/storage/memstore"
	"lendtrack/internal/storage/pgstore"
)

// OpenStore returns the configured store. Postgres stores are migrated
// before they are returned.
func OpenStore(ctx context.Context, cfg config.Storage, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		logger.Warn("using in-memory storage, data is lost on restart")
		return memstore.New(), nil
	case config.StoragePostgres, config.StoragePGX:
		store, err := pgstore.Open(ctx, cfg.Driver, cfg.DatabaseURL,
			pgstore.WithMaxTries(cfg.MaxRetries),
			pgstore.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// NewDirectory returns the remote membership client when a service URL is
// configured, and an empty static directory otherwise.
func NewDirectory(cfg config.Membership, logger *zap.Logger) membership.Directory {
	if cfg.ServiceURL == "" {
		logger.Info("no membership service configured, borrowers render without profiles")
		return membership.NewStaticDirectory()
	}
	return clients.NewMembershipClient(cfg.ServiceURL, cfg.Timeout)
}
