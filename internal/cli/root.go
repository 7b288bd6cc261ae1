// Package cli wires Cobra subcommands to the sandbox packages; it is a thin controller with no business logic.
package cli

import (
	"log/slog"

	"github.com/neoclaw-ai/warden/internal/logging"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command and registers all subcommands.
func NewRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "warden",
		Short: "Run programs under a seccomp and ptrace sandbox",
		// Let main handle fatal error rendering through structured logs.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				logging.SetLevel(slog.LevelInfo)
			} else {
				logging.SetLevel(slog.LevelWarn)
			}
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newPolicyCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging (info level)")

	return root
}
