// Package commands implements the CLI commands for the mediaforge service.
package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mediaforge",
	Short: "Mediaforge - asynchronous media processing service",
	Long: `Mediaforge is an asynchronous media processing service built around a
priority job queue. Files are uploaded once, referenced by any number of
jobs, processed serially by a worker through ffmpeg, and reclaimed by a
TTL sweep.

The API server (serve) and the worker (work) are separate processes
sharing state only through Valkey and a shared disk.

Use "mediaforge [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/mediaforge/config.yaml, ./config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(initCmd)
}

// loadConfig loads the configuration and initializes the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
