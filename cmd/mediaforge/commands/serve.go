package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/api"
	"github.com/mediaforge/mediaforge/pkg/queue"
	"github.com/mediaforge/mediaforge/pkg/store"
	"github.com/mediaforge/mediaforge/pkg/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the mediaforge HTTP API server.

The API accepts uploads, creates jobs and serves results; processing
itself happens in the worker process (mediaforge work).

Examples:
  # Start with default config locations
  mediaforge serve

  # Start with a custom config file
  mediaforge serve --config /etc/mediaforge/config.yaml

  # Override config via environment
  MEDIAFORGE_VALKEY_HOST=localhost mediaforge serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Storage.EnsureDirs(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rdb, err := store.Connect(ctx, cfg.Valkey)
	if err != nil {
		return err
	}
	defer rdb.Close()

	registry := upload.NewRegistry(rdb)
	q := queue.New(rdb, registry)

	router := api.NewRouter(rdb, q, registry, cfg.Storage, cfg.Metrics, Version)
	server := api.NewServer(cfg.API, router)

	logger.Info("Starting mediaforge API", "version", Version, "port", cfg.API.Port)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}
