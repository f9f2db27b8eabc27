// Command anvil runs the adaptive orchestration pipeline from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Adaptive multi-stage content generation pipeline",
	Long: `Anvil turns a free-text project request into generated artifacts by
scheduling capability-typed workers over shared state. Worker selection
adapts across runs: success rates and outcome feedback learned from past
runs bias which worker acts next.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatsCommand())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
