package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newMigrateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store's tables, collections and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(*cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			s, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := s.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
