// Package cmd defines the CLI for the scrape dispatch service.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/app"
	"github.com/JakeFAU/scrape-dispatch/internal/config"
	"github.com/JakeFAU/scrape-dispatch/internal/logging"
)

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE hands to every subcommand.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory. Tests replace it.
var newApp = app.Build

// NewRootCmd creates the root command and its subcommands.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scrape-dispatch",
		Short: "Authenticated scrape job dispatch service.",
		Long: `scrape-dispatch accepts URLs from authenticated clients, queues them,
fetches them through a Fetch Service with a pool of workers, and stores the
results for later reads.`,
		SilenceUsage: true,

		// Runs before every subcommand: config and logger are ready before
		// anything is built.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); SCRAPER_* variables and .env also apply")

	cmd.AddCommand(
		newRunCmd("serve", "Serve the HTTP API", app.Mode{API: true}),
		newRunCmd("work", "Run the worker pool", app.Mode{Workers: true}),
		newRunCmd("all", "Serve the HTTP API and run the worker pool in one process", app.Mode{API: true, Workers: true}),
		newFetchSvcCmd(),
		newSeedCmd(),
		newExploreCmd(),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// withApp builds the application, runs fn, and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(context.Context, *app.App, *zap.Logger) error) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()
	return fn(cmd.Context(), a, rt.logger)
}
