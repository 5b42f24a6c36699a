// Package cmd defines the CLI commands for the scheduler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/config"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/server"
)

const closeTimeout = 15 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of server.App the commands drive.
type App interface {
	Run(ctx context.Context, roles server.Roles) error
	Sweep(ctx context.Context) (int, error)
	Enqueue(ctx context.Context, ref scheduler.Ref, trigger scheduler.Trigger) error
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "seosched",
		Short: "Scheduler for recurring SEO data collection.",
		Long: `seosched decides when keyword ranks, page audits, on-page crawls and
backlink profiles are refreshed, and runs those refreshes on a worker pool
with distributed locking, retries and stuck-entity recovery.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env SEOSCHED_* overrides)")

	cmd.AddCommand(
		newRunCmd("serve", "Run the HTTP API, workers and beat", server.Roles{API: true, Workers: true, Beat: true}),
		newRunCmd("worker", "Run the worker pool only", server.Roles{Workers: true}),
		newRunCmd("beat", "Run the periodic beat only", server.Roles{Beat: true}),
		newSweepCmd(),
		newEnqueueCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp resolves the App for a command and closes it when the command
// returns, whether or not it failed.
func withApp(fn func(cmd *cobra.Command, app App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			err = errors.Join(err, appInstance.Close(ctx))
		}()
		return fn(cmd, appInstance, args)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
