package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/app"
	"github.com/JakeFAU/scrape-dispatch/internal/seed"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the demo accounts and sample results",
		Long: fmt.Sprintf(`seed creates admin@example.com (admin) and user@example.com (user), both
with password %q, and inserts sample results. Existing rows are left alone.`, seed.DefaultPassword),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
				seeder, err := a.Seeder()
				if err != nil {
					return err
				}
				report, err := seeder.Run(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "admin: %s (%s)\n", report.Admin.Email, report.Admin.ID)
				fmt.Fprintf(out, "user:  %s (%s)\n", report.User.Email, report.User.ID)
				fmt.Fprintf(out, "sample results inserted: %d\n", report.ResultsInserted)
				return nil
			})
		},
	}
}

func newExploreCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "explore",
		Short: "Print record counts, recent rows and top domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
				o, err := a.Overview(ctx, limit)
				if err != nil {
					return err
				}
				return seed.WriteOverview(cmd.OutOrStdout(), o)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "rows per section")
	return cmd
}
