package stores

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

// Open creates the store selected by cfg.Driver. SQLite stores are
// initialized and migrated before being returned.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (lifecycle.Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		store, err := NewSQLiteStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info().Str("driver", DriverSQLite).Str("path", cfg.Path).Msg("Store opened")
		return store, nil

	case DriverBadger:
		store, err := NewBadgerStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", DriverBadger).Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("Store opened")
		return store, nil

	case DriverMemory:
		logger.Warn().Msg("Using in-memory store, models will not survive a restart")
		return lifecycle.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
