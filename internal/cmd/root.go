// Package cmd wires the pysched command line.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pysched",
	Short: "Schedule, isolate and observe Python scripts",
	Long: `pysched runs user-authored Python scripts on cron, interval, startup and
manual triggers, each in its own virtual environment, with captured output,
run history and a live event stream.`,
	SilenceUsage: true,
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}
