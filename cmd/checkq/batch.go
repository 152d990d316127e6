package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"checkq/internal/config"
	"checkq/internal/progress"
	"checkq/internal/proxy"
	"checkq/internal/queue"
	"checkq/internal/store"
)

func batchServices(cfg *config.Config, st *store.Client, logger *slog.Logger) (*queue.Service, *progress.Tracker) {
	router := proxy.NewRouter(st, cfg.Proxies, proxy.RouterOptions{
		FailureThreshold: cfg.ProxyFailureThreshold,
		HealthTTL:        cfg.ProxyHealthTTL,
	}, logger)
	q := queue.NewService(st, router, queue.ServiceOptions{
		MaxQueueDepth: cfg.MaxQueueDepth,
		DedupTTL:      cfg.DedupTTL,
	}, logger)
	tracker := progress.NewTracker(st, progress.LogReporter{Logger: logger}, progress.TrackerOptions{
		MinReportInterval: cfg.MinReportInterval,
		BatchTTL:          cfg.BatchTTL,
	}, logger)
	return q, tracker
}

func enqueueCmd() *cobra.Command {
	var batchID, file string
	var chatID, messageID int64

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a credential batch from a username:password file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, logger, err := setup(func(c *config.Config) string { return "cli" })
			if err != nil {
				return err
			}
			defer st.Close()

			creds, err := readCredentials(file)
			if err != nil {
				return err
			}
			if batchID == "" {
				batchID = uuid.NewString()
			}

			q, tracker := batchServices(cfg, st, logger)
			ctx := context.Background()

			res, err := q.EnqueueBatch(ctx, batchID, creds)
			if err != nil {
				return err
			}
			if res.Queued > 0 {
				target := queue.ReportTarget{ChatID: chatID, MessageID: messageID}
				if err := tracker.InitBatch(ctx, batchID, res.Queued, target); err != nil {
					return err
				}
			}
			fmt.Printf("batch %s: queued=%d cached=%d\n", batchID, res.Queued, res.Cached)
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "Batch ID (generated when empty)")
	cmd.Flags().StringVar(&file, "file", "", "Path to a username:password list")
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "Reporting chat ID")
	cmd.Flags().Int64Var(&messageID, "message-id", 0, "Reporting message ID to edit")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func cancelCmd() *cobra.Command {
	var batchID string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Drain the still-queued tasks of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, logger, err := setup(func(c *config.Config) string { return "cli" })
			if err != nil {
				return err
			}
			defer st.Close()

			q, _ := batchServices(cfg, st, logger)
			drained, err := q.CancelBatch(context.Background(), batchID)
			if err != nil {
				return err
			}
			fmt.Printf("batch %s: drained=%d\n", batchID, drained)
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "Batch ID to cancel")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, logger, err := setup(func(c *config.Config) string { return "cli" })
			if err != nil {
				return err
			}
			defer st.Close()

			q, _ := batchServices(cfg, st, logger)
			stats, err := q.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("main=%d retry=%d total=%d\n", stats.MainQueue, stats.RetryQueue, stats.Total)
			return nil
		},
	}
}

func proxiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxies",
		Short: "Print per-proxy health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, logger, err := setup(func(c *config.Config) string { return "cli" })
			if err != nil {
				return err
			}
			defer st.Close()

			router := proxy.NewRouter(st, cfg.Proxies, proxy.RouterOptions{
				FailureThreshold: cfg.ProxyFailureThreshold,
				HealthTTL:        cfg.ProxyHealthTTL,
			}, logger)
			snapshot, err := router.Snapshot(context.Background())
			if err != nil {
				return err
			}
			for _, h := range snapshot {
				state := "healthy"
				if !h.Healthy {
					state = "unhealthy"
				}
				fmt.Printf("%-12s %-10s failures=%d requests=%d successes=%d\n",
					h.ProxyID, state, h.ConsecutiveFailures, h.TotalRequests, h.SuccessCount)
			}
			return nil
		},
	}
}

func readCredentials(path string) ([]queue.Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var creds []queue.Credential
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, pass, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed line %q, want username:password", line)
		}
		creds = append(creds, queue.Credential{Username: user, Password: pass})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials in %s", path)
	}
	return creds, nil
}
