package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/cleanup"
	"github.com/mediaforge/mediaforge/pkg/engine"
	"github.com/mediaforge/mediaforge/pkg/queue"
	"github.com/mediaforge/mediaforge/pkg/store"
	"github.com/mediaforge/mediaforge/pkg/upload"
	"github.com/mediaforge/mediaforge/pkg/worker"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Start the worker",
	Long: `Start the mediaforge worker.

The worker drains the job queue serially, invoking ffmpeg for each job,
and runs the periodic cleanup sweep in the background. On startup it
reconciles queue state left behind by a previous crash.

A job already underway when SIGINT/SIGTERM arrives is finished before
the process exits.

Examples:
  # Start with default config locations
  mediaforge work

  # Start with a custom config file
  mediaforge work --config /etc/mediaforge/config.yaml`,
	RunE: runWork,
}

func runWork(cmd *cobra.Command, args []string) error {
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
	eng := engine.New(cfg.Storage.ScratchDir)

	go cleanup.Loop(ctx, cfg.Cleanup, cfg.Storage)

	logger.Info("Starting mediaforge worker", "version", Version)
	w := worker.New(q, registry, eng, cfg.Worker, cfg.Storage)
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}
