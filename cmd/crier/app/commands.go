// Package app provides the entry point for the crier command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/crier-bot/crier/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:               "crier",
	DisableAutoGenTag: true,
	Short:             "Crier announces messages to social accounts",
	Long: `Crier posts messages to Mastodon-family and Bluesky accounts.

Messages come from scheduled providers (commands, JSON commands, RSS
feeds) or from webhook-triggered push providers, pass through a
configurable middleware pipeline, and fan out to one or more accounts.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the crier CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "crier.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
