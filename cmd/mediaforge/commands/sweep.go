package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediaforge/mediaforge/pkg/cleanup"
)

var sweepAll bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a one-off cleanup sweep",
	Long: `Delete files in the storage directories whose modification time has
aged past the configured TTL, then exit.

With --all the TTL is ignored and every file is deleted, matching the
API's DELETE /reset endpoint.

Examples:
  # Sweep with the configured TTL
  mediaforge sweep

  # Delete everything
  mediaforge sweep --all`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepAll, "all", false, "Ignore the TTL and delete every file")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ttl := cfg.Cleanup.TTL
	if sweepAll {
		ttl = 0
	}

	res := cleanup.SweepAll(cfg.Storage, ttl)
	fmt.Printf("Files deleted:  %d\n", res.FilesDeleted)
	fmt.Printf("Space freed:    %.2f MB\n", res.SpaceFreedMB)
	fmt.Printf("Errors:         %d\n", res.Errors)

	if res.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors", res.Errors)
	}
	return nil
}
