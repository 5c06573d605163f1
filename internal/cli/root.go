// Package cli wires the omnienv commands together. Command logic
// stays thin here; the real work lives in pkg/cache and pkg/runner.
package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/XaF/omnienv/pkg/logging"
)

var verbosity int

// NewRootCmd builds the omnienv root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "omnienv",
		Short: "Per-project development environment provisioning",
		Long: `omnienv provisions and tracks per-project development environments:
language runtimes, package managers, and build tools. Installed
artifacts are reference-counted in a versioned cache so they can be
garbage-collected once no project depends on them anymore.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(verbosity)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")

	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
