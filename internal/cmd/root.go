package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drydock-dev/drydock/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "drydock",
	Short: "Drydock - remote terminal and chat server for a code-assistant CLI",
	Long: `Drydock multiplexes user sessions onto PTY-backed shells and
code-assistant CLI subprocesses, bridged over WebSockets, with git
worktree-backed workspaces per branch.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Configure(logger.LevelFromEnv(), os.Getenv("DRYDOCK_DEV") != "")
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
