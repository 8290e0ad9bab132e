// Package cmd defines and implements the CLI commands for the harvestd
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvestd",
		Short: "Crawl orchestration and ingestion engine.",
		Long: `harvestd consumes crawl tasks, paginates platform search results
through account-bound sessions, runs every fetched page through the
deduplicating ingestion pipeline and fans out over the detail, creator,
comment and media crawl modes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
