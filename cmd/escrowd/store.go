package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/escrow/store"
	"github.com/xraph/escrow/store/memory"
	"github.com/xraph/escrow/store/mongo"
	"github.com/xraph/escrow/store/postgres"
)

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg daemonConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case driverMemory:
		return memory.New(), nil
	case driverPostgres:
		s, err := postgres.New(ctx, cfg.Store.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case driverMongo:
		s, err := mongo.New(ctx, cfg.Store.DSN, cfg.Store.Database, mongo.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
