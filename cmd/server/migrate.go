package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/storage"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded Postgres schema and exit",
	RunE:  migrate,
}

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", time.Minute, "give up after this long")
}

func migrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.PGDSN == "" {
		return errors.New("PG_DSN is required for migrate")
	}
	log := logging.NewLogger(cfg.LogLevel, "migrate")

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer pg.Close()

	applied, err := pg.Migrate(ctx)
	if err != nil {
		return err
	}
	log.Info("migrations applied", "files", applied)
	return nil
}
