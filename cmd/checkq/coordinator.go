package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"checkq/internal/config"
	"checkq/internal/coordinator"
	"checkq/internal/events"
	"checkq/internal/forward"
	"checkq/internal/progress"
)

func coordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run a coordinator (leader or standby) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, logger, err := setup(func(c *config.Config) string { return c.CoordinatorID })
			if err != nil {
				return err
			}
			defer st.Close()

			tracker := progress.NewTracker(st, progress.LogReporter{Logger: logger}, progress.TrackerOptions{
				MinReportInterval: cfg.MinReportInterval,
				BatchTTL:          cfg.BatchTTL,
			}, logger)

			var fwd forward.Forwarder = forward.NoopForwarder{}
			if cfg.ForwardURL != "" {
				fwd = forward.NewHTTPForwarder(cfg.ForwardURL, cfg.ForwardTimeout)
			}
			forwards := forward.NewService(st, fwd, cfg.PendingForwardTTL, logger)

			broker := events.NewBroker(0)
			coord := coordinator.New(cfg, st, tracker, forwards, broker, logger)

			ctx, cancel := signalContext(logger)
			defer cancel()

			if err := coord.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
