// Package cli implements the conductor command-line interface using Cobra.
// serve and worker run processes; the other commands talk to a running
// node over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor: distribute multi-step jobs to workers",
	Long: `Conductor runs a task workflow node.
Applications describe ordered steps; jobs walk through them one task at a
time, and connected workers execute the tasks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&nodeAddr, "node", "", "Node API address (default from config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
