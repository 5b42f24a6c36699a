package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/server"
)

func newRunCmd(use, short string, roles server.Roles) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			return app.Run(cmd.Context(), roles)
		}),
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reset entities stuck in processing once and exit",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			n, err := app.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d entities\n", n)
			return nil
		}),
	}
}

func newEnqueueCmd() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "enqueue <kind> <id>",
		Short: "Place a run for one entity on the queue",
		Long: `Places a run without checking eligibility; the worker still enforces
the interval, lockout and lock before doing any work.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return err
			}
			_, err := parseEnqueueArgs(args, trigger)
			return err
		},
		RunE: withApp(func(cmd *cobra.Command, app App, args []string) error {
			ref, err := parseEnqueueArgs(args, trigger)
			if err != nil {
				return err
			}
			if err := app.Enqueue(cmd.Context(), ref, scheduler.Trigger(trigger)); err != nil {
				return fmt.Errorf("enqueue %s: %w", ref, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s)\n", ref, trigger)
			return nil
		}),
	}
	cmd.Flags().StringVar(&trigger, "trigger", string(scheduler.TriggerManual), "trigger: manual, created or scheduled")
	return cmd
}

func parseEnqueueArgs(args []string, trigger string) (scheduler.Ref, error) {
	kind, err := scheduler.ParseKind(args[0])
	if err != nil {
		return scheduler.Ref{}, err
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		return scheduler.Ref{}, fmt.Errorf("invalid entity id %q", args[1])
	}
	switch scheduler.Trigger(trigger) {
	case scheduler.TriggerManual, scheduler.TriggerCreated, scheduler.TriggerScheduled:
	default:
		return scheduler.Ref{}, fmt.Errorf("unknown trigger %q", trigger)
	}
	return scheduler.Ref{Kind: kind, ID: id}, nil
}
