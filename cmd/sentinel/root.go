package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Error containment and telemetry reporting for render hosts",
	Long: "Sentinel contains rendering faults behind subtree boundaries and ships\n" +
		"deduplicated fault reports to a telemetry aggregator in the background.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(mockAggregatorCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
