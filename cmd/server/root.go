package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "dispatchd",
	Short:         "Service request dispatch API",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serve,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// Execute runs the CLI. With no subcommand the API is served.
func Execute() error { return rootCmd.Execute() }
