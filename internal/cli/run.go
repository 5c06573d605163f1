package cli

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/XaF/omnienv/pkg/runner"
)

func newRunCmd() *cobra.Command {
	var (
		noTimeout bool
		plain     bool
	)

	runCmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command under the provisioning supervisor",
		Long: `Runs an arbitrary command the way provisioning steps are run:
output is streamed into a progress indicator, an idle timeout kills
commands that stop producing output, and credential prompts are
relayed through the askpass socket.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			if err := app.Config.Operations.CheckAllowed("run"); err != nil {
				return err
			}

			cfg := runner.RunConfig{
				IdleTimeout:       app.Config.Command.IdleTimeout,
				StripControlChars: true,
				AskpassRelay:      app.Config.Command.Askpass,
				Prompt:            terminalPrompt,
			}
			if noTimeout {
				cfg.IdleTimeout = 0
			}

			var handler runner.ProgressHandler
			if plain {
				handler = runner.NewLogHandler(args[0])
			} else {
				handler = runner.NewHandler(args[0])
			}

			return runner.New().Run(cmd.Context(), cfg, handler, args[0], args[1:]...)
		},
	}

	runCmd.Flags().BoolVar(&noTimeout, "no-timeout", false, "Disable the idle timeout")
	runCmd.Flags().BoolVar(&plain, "plain", false, "Log lines instead of a spinner")

	return runCmd
}

// terminalPrompt asks the user for a secret on the terminal; the
// supervisor has already hidden the progress indicator.
func terminalPrompt(prompt string) (string, error) {
	return pterm.DefaultInteractiveTextInput.
		WithMask("*").
		Show(prompt)
}
