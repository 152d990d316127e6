package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"checkq/internal/proxy"
	"checkq/internal/store"
)

const (
	defaultInterval = 2 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	mainQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkq_queue_depth_main",
		Help: "Number of tasks waiting on the main queue.",
	})
	retryQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkq_queue_depth_retry",
		Help: "Number of tasks waiting on the retry queue.",
	})
	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkq_tasks_inflight",
		Help: "Number of tasks currently held by workers.",
	})
	workerCountGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkq_workers",
		Help: "Number of registered workers.",
	})
	healthyProxiesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkq_proxies_healthy",
		Help: "Number of proxies currently in the healthy rotation.",
	})
)

// StartCollector polls shared-store depths on an interval and exports them
// as gauges. Router may be nil for processes without a proxy pool.
func StartCollector(ctx context.Context, st *store.Client, router *proxy.Router, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collect(ctx, st, router); err != nil {
				logWarn(logger, "Metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collect(ctx context.Context, st *store.Client, router *proxy.Router) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	main, err := st.LLen(queryCtx, store.KeyMainQueue)
	if err != nil {
		return err
	}
	retry, err := st.LLen(queryCtx, store.KeyRetryQueue)
	if err != nil {
		return err
	}
	inflight, err := st.HGetAll(queryCtx, store.KeyInflight)
	if err != nil {
		return err
	}
	workers, err := st.SMembers(queryCtx, store.KeyWorkerRegistry)
	if err != nil {
		return err
	}

	mainQueueDepthGauge.Set(float64(main))
	retryQueueDepthGauge.Set(float64(retry))
	inflightGauge.Set(float64(len(inflight)))
	workerCountGauge.Set(float64(len(workers)))

	if router != nil {
		snapshot, err := router.Snapshot(queryCtx)
		if err != nil {
			return err
		}
		healthy := 0
		for _, h := range snapshot {
			if h.Healthy {
				healthy++
			}
		}
		healthyProxiesGauge.Set(float64(healthy))
	}
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
