package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediaforge/mediaforge/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write a sample mediaforge configuration file.

Examples:
  # Write ./config.yaml
  mediaforge init --config config.yaml

  # Force overwrite an existing file
  mediaforge init --config /etc/mediaforge/config.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = "config.yaml"
	}

	if err := config.InitConfig(path, initForce); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Printf("  2. Start the API server: mediaforge serve --config %s\n", path)
	fmt.Printf("  3. Start the worker:     mediaforge work --config %s\n", path)
	return nil
}
