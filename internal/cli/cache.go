package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/XaF/omnienv/pkg/cache"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	backendStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact cache",
	}

	var listBackend string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List installed artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			if err := app.Config.Operations.CheckAllowed("cache.list"); err != nil {
				return err
			}

			rows, err := app.Store.ListInstalled(cmd.Context(), cache.Backend(listBackend))
			if err != nil {
				return err
			}

			if len(rows) == 0 {
				cmd.Println(mutedStyle.Render("no installed artifacts"))
				return nil
			}

			cmd.Println(headerStyle.Render(fmt.Sprintf("%-20s %-30s %-15s %s", "BACKEND", "NAME", "VERSION", "LAST REQUIRED")))
			for _, row := range rows {
				name := row.Name
				if row.Variant != "" {
					name += " (" + row.Variant + ")"
				}
				cmd.Println(fmt.Sprintf("%s %-30s %-15s %s",
					backendStyle.Render(fmt.Sprintf("%-20s", row.Backend)),
					name, row.Version,
					mutedStyle.Render(row.LastRequiredAt.Format("2006-01-02 15:04"))))
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&listBackend, "backend", "", "Only list artifacts of this backend")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired, unreferenced artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			if err := app.Config.Operations.CheckAllowed("cache.cleanup"); err != nil {
				return err
			}

			result, err := app.Store.Cleanup(cmd.Context(), &app.Config.Cache)
			if result != nil {
				var artifacts, versions int64
				for _, n := range result.ArtifactsDeleted {
					artifacts += n
				}
				for _, n := range result.VersionsDeleted {
					versions += n
				}
				cmd.Printf("removed %d artifacts and %d cached version lists\n", artifacts, versions)
			}
			return err
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Force the one-time schema upgrade now",
		Long: strings.TrimSpace(`
The upgrade normally runs lazily on first cache access. This command
runs it eagerly, which is convenient right after updating omnienv.`),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			// Any acquisition triggers the upgrade.
			conn, err := app.Pool.Get(cmd.Context())
			if err != nil {
				return err
			}
			conn.Release()
			cmd.Println("cache schema is up to date")
			return nil
		},
	}

	forgetCmd := &cobra.Command{
		Use:   "forget <workdir>",
		Short: "Forget a work directory and its environment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			if err := app.Config.Operations.CheckAllowed("cache.forget"); err != nil {
				return err
			}

			if err := app.Store.ForgetWorkdir(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("forgot %s\n", args[0])
			return nil
		},
	}

	cacheCmd.AddCommand(listCmd, cleanupCmd, migrateCmd, forgetCmd)
	return cacheCmd
}
