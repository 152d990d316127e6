package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"checkq/internal/config"
	"checkq/internal/events"
	"checkq/internal/forward"
	"checkq/internal/progress"
	"checkq/internal/store"
)

// Heartbeat is the leader liveness record. At most one fresh heartbeat
// exists in steady state; whoever holds it orchestrates batches.
type Heartbeat struct {
	CoordinatorID string    `json:"coordinator_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Coordinator owns batch lifecycle orchestration. One instance leads by
// writing a fixed-interval heartbeat; standbys poll its age and take over
// statelessly once it goes stale. Leadership is heartbeat-age-based, not
// consensus: a brief dual-leader window is tolerated because every leader
// action is idempotent or safely repeatable.
type Coordinator struct {
	cfg      *config.Config
	st       *store.Client
	tracker  *progress.Tracker
	forwards *forward.Service
	events   events.Publisher
	logger   *slog.Logger

	leading  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg *config.Config, st *store.Client, tracker *progress.Tracker, forwards *forward.Service, pub events.Publisher, logger *slog.Logger) *Coordinator {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Coordinator{
		cfg:      cfg,
		st:       st,
		tracker:  tracker,
		forwards: forwards,
		events:   pub,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Leading reports whether this instance currently believes it leads.
func (c *Coordinator) Leading() bool {
	return c.leading.Load()
}

// Stop halts heartbeat writing without touching shared state, modeling a
// crash: the stale heartbeat is left for a standby to detect.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Start runs until ctx is cancelled or Stop is called. A fresh foreign
// heartbeat puts the instance in standby; a stale or absent one lets it
// lead immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			return nil
		default:
		}

		age, holder, err := c.HeartbeatAge(ctx)
		if err != nil {
			return err
		}
		if holder != c.cfg.CoordinatorID && age < c.cfg.StalenessThreshold() {
			if err := c.standBy(ctx); err != nil {
				if errors.Is(err, errStopped) {
					return nil
				}
				return err
			}
			continue
		}
		return c.lead(ctx)
	}
}

// HeartbeatAge returns the current heartbeat's age and holder. A missing
// heartbeat reads as infinitely stale.
func (c *Coordinator) HeartbeatAge(ctx context.Context) (time.Duration, string, error) {
	raw, err := c.st.Get(ctx, store.KeyCoordinatorHeartbeat)
	if errors.Is(err, store.ErrNotFound) {
		return time.Duration(1<<62 - 1), "", nil
	}
	if err != nil {
		return 0, "", err
	}
	var hb Heartbeat
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		return time.Duration(1<<62 - 1), "", nil
	}
	return time.Since(hb.Timestamp), hb.CoordinatorID, nil
}

// standBy polls the leader heartbeat until it goes stale, then returns so
// the caller can take over.
func (c *Coordinator) standBy(ctx context.Context) error {
	c.logger.Info("Running as standby", "coordinator_id", c.cfg.CoordinatorID)
	ticker := time.NewTicker(c.cfg.StandbyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			return errStopped
		case <-ticker.C:
			age, holder, err := c.HeartbeatAge(ctx)
			if err != nil {
				c.logger.Warn("Heartbeat check failed", "error", err)
				continue
			}
			if holder == c.cfg.CoordinatorID || age >= c.cfg.StalenessThreshold() {
				c.logger.Warn("Leader heartbeat stale, taking over", "age", age, "previous", holder)
				return nil
			}
		}
	}
}

var errStopped = errors.New("coordinator stopped")

// lead assumes leadership: write the heartbeat, re-attach to in-progress
// batches, retry pending forwards, then keep heartbeating and running
// scheduled maintenance until stopped.
func (c *Coordinator) lead(ctx context.Context) error {
	if err := c.writeHeartbeat(ctx); err != nil {
		return err
	}
	c.leading.Store(true)
	defer c.leading.Store(false)
	leaderGauge.Set(1)
	defer leaderGauge.Set(0)

	c.logger.Info("Assumed coordinator leadership", "coordinator_id", c.cfg.CoordinatorID)
	c.events.Publish(events.Event{
		Level:   "info",
		Type:    events.TypeLeaderElected,
		Message: "coordinator leadership assumed",
		Metadata: map[string]string{
			"coordinator_id": c.cfg.CoordinatorID,
		},
	})

	if err := c.Resume(ctx); err != nil {
		c.logger.Warn("Resume after takeover incomplete", "error", err)
	}

	sched := cron.New()
	if _, err := sched.AddFunc(c.cfg.MaintenanceSpec, func() { c.maintain(ctx) }); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	ticker := time.NewTicker(c.cfg.CoordHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			c.logger.Info("Coordinator stopped, heartbeat abandoned")
			return nil
		case <-ticker.C:
			if err := c.writeHeartbeat(ctx); err != nil {
				c.logger.Warn("Heartbeat write failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) writeHeartbeat(ctx context.Context) error {
	hb := Heartbeat{CoordinatorID: c.cfg.CoordinatorID, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	// TTL is a safety net; staleness detection reads the timestamp.
	ttl := c.cfg.StalenessThreshold() + c.cfg.CoordHeartbeatInterval
	return c.st.Set(ctx, store.KeyCoordinatorHeartbeat, string(data), ttl)
}

// Resume re-attaches to whatever the previous leader left in shared state:
// emit a progress update for every live batch and retry unacknowledged
// forwards. Everything here is safe to repeat.
func (c *Coordinator) Resume(ctx context.Context) error {
	batches, err := c.tracker.ActiveBatches(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := c.tracker.HandleUpdate(ctx, b.BatchID); err != nil {
			c.logger.Warn("Progress re-attach failed", "batch_id", b.BatchID, "error", err)
		}
	}

	retried, delivered, err := c.forwards.RetryPending(ctx)
	if err != nil {
		return err
	}
	if retried > 0 {
		c.logger.Info("Retried pending forwards", "retried", retried, "delivered", delivered)
		c.events.Publish(events.Event{
			Level:   "info",
			Type:    events.TypeForwardRetried,
			Message: "pending forwards retried after takeover",
		})
	}
	return nil
}

// maintain is the scheduled leader upkeep: pending-forward retries and the
// forwards-pending gauge.
func (c *Coordinator) maintain(ctx context.Context) {
	if _, _, err := c.forwards.RetryPending(ctx); err != nil {
		c.logger.Warn("Scheduled forward retry failed", "error", err)
	}
	pending, err := c.forwards.PendingCount(ctx)
	if err == nil {
		forwardsPending.Set(float64(pending))
	}
}
