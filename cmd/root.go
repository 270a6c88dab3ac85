package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	// Global flags shared by every subcommand.
	configPath string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "osdp",
	Short: "OSDP protocol engine",
	Long: `osdp v` + version + `
Drive an OSDP (Open Supervised Device Protocol) Control Panel or
Peripheral Device engine from a YAML config: secure-channel handshakes,
polling, TRS card/keypad passthrough, and a live per-PD status view.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "osdp.yaml",
		"Path to the engine's YAML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log every engine event to stderr")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetVersion returns the current version.
func GetVersion() string {
	return version
}
