package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/app"
)

func newRunCmd(use, short string, mode app.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, logger *zap.Logger) error {
				logger.Info("starting", zap.String("mode", use))
				return a.Run(ctx, mode)
			})
		},
	}
}

func newFetchSvcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetchsvc",
		Short: "Serve the headless Fetch Service (GET /fetch?url=)",
		Long: `fetchsvc renders pages in headless Chrome and answers GET /fetch?url=<encoded>
with {"content": "<html>"}. Workers reach it through fetch.service_url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			return app.ServeFetch(cmd.Context(), rt.cfg, rt.logger)
		},
	}
}
