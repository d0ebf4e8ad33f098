// Package cli implements the kera command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:     "kera",
	Short:   "Kera is a resilient conversational agent runtime",
	Long:    "Kera runs a tool-using LLM agent behind a command firewall,\nwith provider fallback, session persistence, and context compaction.",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.kera/kera.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.SetVersionTemplate("kera version {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd exposes the root command for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}
