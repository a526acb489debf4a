// Kiwanda — sandbox orchestration backend for AI coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kiwanda",
	Short: "Kiwanda — sandboxed execution backend for AI coding agents.",
	Long: `Kiwanda runs AI coding-agent chat turns against disposable cloud sandboxes.
It provisions one sandbox per project on demand, streams model responses over SSE,
executes tool calls inside the sandbox, and meters usage in credits per billing period.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
