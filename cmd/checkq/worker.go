package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"checkq/internal/checker"
	"checkq/internal/config"
	"checkq/internal/events"
	"checkq/internal/forward"
	"checkq/internal/metrics"
	"checkq/internal/pow"
	"checkq/internal/progress"
	"checkq/internal/proxy"
	"checkq/internal/queue"
	"checkq/internal/web"
	"checkq/internal/worker"
)

func workerCmd() *cobra.Command {
	var checkMode string
	var checkSleep time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, logger, err := setup(func(c *config.Config) string { return c.WorkerID })
			if err != nil {
				return err
			}
			defer st.Close()

			router := proxy.NewRouter(st, cfg.Proxies, proxy.RouterOptions{
				FailureThreshold: cfg.ProxyFailureThreshold,
				HealthTTL:        cfg.ProxyHealthTTL,
			}, logger)

			qService := queue.NewService(st, router, queue.ServiceOptions{
				MaxQueueDepth: cfg.MaxQueueDepth,
				DedupTTL:      cfg.DedupTTL,
			}, logger)

			tracker := progress.NewTracker(st, progress.LogReporter{Logger: logger}, progress.TrackerOptions{
				MinReportInterval: cfg.MinReportInterval,
				BatchTTL:          cfg.BatchTTL,
			}, logger)

			var fwd forward.Forwarder = forward.NoopForwarder{}
			if cfg.ForwardURL != "" {
				fwd = forward.NewHTTPForwarder(cfg.ForwardURL, cfg.ForwardTimeout)
			}
			forwards := forward.NewService(st, fwd, cfg.PendingForwardTTL, logger)

			var chk checker.Checker
			switch checkMode {
			case "mock":
				chk = checker.NewMock(checkSleep)
			default:
				return errors.New("only the mock checker ships with this build; use --check-mode=mock")
			}

			broker := events.NewBroker(0)

			ctx, cancel := signalContext(logger)
			defer cancel()

			if cfg.PowURL != "" {
				powc := pow.NewClient(cfg.PowURL, cfg.PowTimeout, logger)
				if powc.Healthy(ctx) {
					logger.Info("PoW offload service reachable", "url", cfg.PowURL)
				} else {
					logger.Warn("PoW offload service unreachable, checks will solve locally", "url", cfg.PowURL)
				}
			}

			metrics.StartCollector(ctx, st, router, 0, logger)
			srv := web.NewServer(st, qService, router, tracker, cfg.OpsAddr, cfg.OpsToken, mustAllowlist(cfg), broker, logger)
			go func() {
				if err := srv.Start(ctx); err != nil {
					logger.Error("Ops server exited", "error", err)
				}
			}()

			runner := worker.New(cfg, st, qService, router, tracker, forwards, chk, broker, logger)
			return runner.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&checkMode, "check-mode", "mock", "Checker implementation (mock)")
	cmd.Flags().DurationVar(&checkSleep, "check-sleep", 100*time.Millisecond, "Simulated check latency in mock mode")
	return cmd
}

func mustAllowlist(cfg *config.Config) *web.CIDRAllowlist {
	if len(cfg.AllowCIDR) == 0 {
		return nil
	}
	allow, err := web.ParseCIDRAllowlist(strings.Join(cfg.AllowCIDR, ","))
	if err != nil {
		return nil
	}
	return allow
}
