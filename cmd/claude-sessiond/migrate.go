package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claude-session-broker/broker/internal/config"
	"github.com/claude-session-broker/broker/internal/store"
)

// newMigrateCmd applies the Metadata Store's schema to the configured
// backend and exits. sqlite and postgres both create their tables on
// open, so this is just "open, then close" — but it gives operators an
// explicit, scriptable step to run ahead of a rollout rather than
// relying on the first real request to create the schema implicitly.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Metadata Store schema to the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			st, err := openStore(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
			defer st.Close()

			fmt.Printf("schema applied for storage backend %q\n", cfg.Storage)
			return nil
		},
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return store.NewMemoryStore(), nil
	case config.StorageSQLite:
		return store.OpenSQLiteStore(cfg.SQLitePath)
	case config.StoragePostgreSQL:
		return store.OpenPostgresStore(ctx, postgresDSN(cfg))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

func postgresDSN(cfg config.Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=prefer",
		cfg.PGUser, cfg.PGPassword, cfg.PGHost, cfg.PGPort, cfg.PGDatabase)
}
