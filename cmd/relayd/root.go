package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/statusrelay/relay/internal/debug"
)

// Build metadata, set via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

var (
	flagConfig  string
	flagVerbose bool
	flagQuiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Real-time cross-system status synchronization hub",
	Long: `relayd keeps task, issue, PR, and deployment status consistent across
the relational store, the issue tracker, the version-control host, and
the agent execution service, and fans normalized updates out to
WebSocket subscribers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(flagVerbose)
		debug.SetQuiet(flagQuiet)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relayd %s (%s)\n", color.CyanString(version), commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
