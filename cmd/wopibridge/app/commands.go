// Package app provides the command-line interface of the WOPI bridge.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cs3org/wopibridge/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "wopibridge",
	Short: "wopibridge connects WOPI storages to collaborative applications",
	Long: `wopibridge is an HTTP service that lets a WOPI-enabled EFSS storage hand
documents over to collaborative applications that know nothing about WOPI,
such as CodiMD. It owns the WOPI locks, pushes documents into the app,
saves them back asynchronously and releases the locks once the last
participant has left.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// re-run after flag parsing so --debug takes effect
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the WOPI bridge.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
