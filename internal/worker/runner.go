package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"checkq/internal/checker"
	"checkq/internal/config"
	"checkq/internal/events"
	"checkq/internal/forward"
	"checkq/internal/progress"
	"checkq/internal/proxy"
	"checkq/internal/queue"
	"checkq/internal/store"
)

// inflightRecord is what a worker parks in the shared in-flight registry
// while it holds a task. Tasks popped off the queue exist nowhere else, so
// this record is what makes crash recovery possible.
type inflightRecord struct {
	Task      *queue.Task `json:"task"`
	WorkerID  string      `json:"worker_id"`
	ClaimedAt time.Time   `json:"claimed_at"`
}

// resultEntry is the stored outcome of one finished check.
type resultEntry struct {
	TaskID    string       `json:"task_id"`
	BatchID   string       `json:"batch_id"`
	Username  string       `json:"username"`
	Status    queue.Status `json:"status"`
	Details   string       `json:"details,omitempty"`
	ProxyID   string       `json:"proxy_id"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Runner drives one worker process: register, heartbeat, dequeue, lease,
// check, commit. Every piece of cross-process state lives in the store.
type Runner struct {
	cfg      *config.Config
	st       *store.Client
	q        *queue.Service
	router   *proxy.Router
	tracker  *progress.Tracker
	forwards *forward.Service
	chk      checker.Checker
	events   events.Publisher
	logger   *slog.Logger

	wg    sync.WaitGroup
	tasks chan *queue.Task

	mu     sync.Mutex
	leases map[string]struct{}
}

func New(cfg *config.Config, st *store.Client, q *queue.Service, router *proxy.Router, tracker *progress.Tracker, forwards *forward.Service, chk checker.Checker, pub events.Publisher, logger *slog.Logger) *Runner {
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Runner{
		cfg:      cfg,
		st:       st,
		q:        q,
		router:   router,
		tracker:  tracker,
		forwards: forwards,
		chk:      chk,
		events:   pub,
		logger:   logger,
		tasks:    make(chan *queue.Task, concurrency),
		leases:   make(map[string]struct{}),
	}
}

// Start runs the worker until ctx is cancelled, then drains in-flight work
// and cleans up. The dequeue loop blocks on the bounded task channel when
// all executors are busy, so the worker never buffers more than it can run.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.logger.Info("Worker started", "worker_id", r.cfg.WorkerID, "concurrency", r.cfg.MaxConcurrency)

	go r.heartbeatLoop(ctx)
	go r.reaperLoop(ctx)

	concurrency := cap(r.tasks)
	for i := 0; i < concurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for task := range r.tasks {
				r.processTask(context.WithoutCancel(ctx), task)
			}
		}()
	}

	for ctx.Err() == nil {
		task, err := r.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("Dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue // idle timeout, not an error
		}
		select {
		case r.tasks <- task:
		case <-ctx.Done():
			// Shutting down with a task in hand: put it back.
			if err := r.q.Requeue(context.WithoutCancel(ctx), task); err != nil {
				r.logger.Error("Failed to requeue task on shutdown", "task_id", task.TaskID, "error", err)
			}
		}
	}

	close(r.tasks)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Register writes the worker's discoverable identity and first heartbeat.
func (r *Runner) Register(ctx context.Context) error {
	if err := r.st.SAdd(ctx, store.KeyWorkerRegistry, r.cfg.WorkerID); err != nil {
		return err
	}
	return r.SendHeartbeat(ctx)
}

// SendHeartbeat refreshes the worker liveness key. Operational tooling
// reads it; leader election does not.
func (r *Runner) SendHeartbeat(ctx context.Context) error {
	ttl := r.cfg.WorkerHeartbeat * 3
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	return r.st.Set(ctx, store.WorkerHeartbeatKey(r.cfg.WorkerID), stamp, ttl)
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.WorkerHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SendHeartbeat(ctx); err != nil {
				r.logger.Warn("Heartbeat write failed", "error", err)
			}
		}
	}
}

// Dequeue blocks up to the configured timeout for the next task, draining
// the retry queue ahead of the main queue. Returns (nil, nil) on timeout.
func (r *Runner) Dequeue(ctx context.Context) (*queue.Task, error) {
	_, raw, err := r.st.BLPop(ctx, r.cfg.DequeueTimeout, store.KeyRetryQueue, store.KeyMainQueue)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	task, err := queue.UnmarshalTask(raw)
	if err != nil {
		r.logger.Error("Dropping undecodable task", "error", err)
		return nil, nil
	}

	// Park the task in the in-flight registry before anything else: once
	// popped it exists nowhere, and this record is what the reaper
	// requeues if we die.
	rec := inflightRecord{Task: task, WorkerID: r.cfg.WorkerID, ClaimedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := r.st.HSet(ctx, store.KeyInflight, task.TaskID, string(data)); err != nil {
		return nil, err
	}
	return task, nil
}

// processTask runs the full lifecycle for one task: exclusive lease, check,
// result commit, progress bump, dedup marker, lease release. A checker
// failure becomes an ERROR result; it never propagates, so one bad task
// cannot stall batch accounting.
func (r *Runner) processTask(ctx context.Context, task *queue.Task) {
	logger := r.logger.With("task_id", task.TaskID, "batch_id", task.BatchID)

	acquired, err := r.st.SetNX(ctx, store.LeaseKey(task.TaskID), r.cfg.WorkerID, r.cfg.LeaseTTL)
	if err != nil {
		logger.Error("Lease acquisition failed", "error", err)
		return
	}
	if !acquired {
		// Another worker is already on it; our copy is redundant.
		logger.Info("Task already leased elsewhere, skipping")
		return
	}
	r.trackLease(task.TaskID)
	defer r.untrackLease(task.TaskID)

	start := time.Now()
	res := r.runCheck(ctx, task)
	checkDuration.WithLabelValues(string(res.Status)).Observe(time.Since(start).Seconds())

	if err := r.commitResult(ctx, task, res); err != nil {
		// The lease TTL will expire and the reaper redelivers; better a
		// duplicate attempt than a silently lost result.
		logger.Error("Result commit failed, leaving task to lease expiry", "error", err)
		return
	}

	tasksProcessed.WithLabelValues(string(res.Status)).Inc()
	r.events.Publish(events.Event{
		Level:    "info",
		Type:     events.TypeTaskCompleted,
		Message:  "task completed",
		BatchID:  task.BatchID,
		TaskID:   task.TaskID,
		ProxyID:  task.ProxyID,
		WorkerID: r.cfg.WorkerID,
	})
}

// runCheck invokes the external checker, converting panics and errors into
// ERROR-classified results.
func (r *Runner) runCheck(ctx context.Context, task *queue.Task) (res checker.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Checker panicked", "task_id", task.TaskID, "panic", fmt.Sprint(rec))
			res = checker.Result{Status: queue.StatusError, Details: fmt.Sprintf("checker panic: %v", rec)}
		}
	}()

	result, err := r.chk.Check(ctx, task.Username, task.Password, task.ProxyURL)
	if err != nil {
		return checker.Result{Status: queue.StatusError, Details: err.Error()}
	}
	if result.Status == "" {
		result.Status = queue.StatusError
		result.Details = "checker returned no status"
	}
	return result
}

// commitResult stores the outcome and performs every bookkeeping step the
// lifecycle requires before the lease is released.
func (r *Runner) commitResult(ctx context.Context, task *queue.Task, res checker.Result) error {
	entry := resultEntry{
		TaskID:    task.TaskID,
		BatchID:   task.BatchID,
		Username:  task.Username,
		Status:    res.Status,
		Details:   res.Details,
		ProxyID:   task.ProxyID,
		CheckedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := r.st.RPush(ctx, store.ResultListKey(task.BatchID, string(res.Status)), string(data)); err != nil {
		return err
	}

	// VALID and INVALID both mean the proxy carried the request; BLOCKED
	// and ERROR count against it.
	proxyOK := res.Status == queue.StatusValid || res.Status == queue.StatusInvalid
	health, err := r.router.RecordResult(ctx, task.ProxyID, proxyOK)
	if err != nil {
		r.logger.Warn("Proxy health update failed", "proxy_id", task.ProxyID, "error", err)
	} else if !health.Healthy {
		r.events.Publish(events.Event{
			Level:   "warn",
			Type:    events.TypeProxyUnhealthy,
			Message: "proxy removed from rotation",
			ProxyID: task.ProxyID,
		})
	}

	completed, err := r.tracker.IncrementCompleted(ctx, task.BatchID)
	if err != nil {
		return err
	}

	// ERROR outcomes stay recheckable; everything else gets a marker.
	if res.Status != queue.StatusError {
		cred := queue.Credential{Username: task.Username, Password: task.Password}
		if err := r.q.WriteDedupMarker(ctx, cred, res.Status); err != nil {
			r.logger.Warn("Dedup marker write failed", "task_id", task.TaskID, "error", err)
		}
	}

	if res.Status == queue.StatusValid && r.forwards != nil {
		c := forward.Capture{
			BatchID:  task.BatchID,
			TaskID:   task.TaskID,
			Username: task.Username,
			Password: task.Password,
			Details:  res.Details,
		}
		if err := r.forwards.Capture(ctx, c); err != nil {
			r.logger.Warn("Capture forward failed", "task_id", task.TaskID, "error", err)
		}
	}

	r.finishTask(ctx, task)

	if err := r.tracker.HandleUpdate(ctx, task.BatchID); err != nil {
		r.logger.Warn("Progress update failed", "batch_id", task.BatchID, "error", err)
	}
	batch, err := r.tracker.GetBatch(ctx, task.BatchID)
	if err == nil && completed == int64(batch.Total) {
		// Our increment was the one that finished the batch, so exactly
		// one worker reaches this branch.
		if _, err := r.tracker.SendSummary(ctx, task.BatchID); err != nil {
			r.logger.Warn("Summary emission failed", "batch_id", task.BatchID, "error", err)
		}
		r.events.Publish(events.Event{
			Level:   "info",
			Type:    events.TypeBatchDone,
			Message: "batch completed",
			BatchID: task.BatchID,
		})
	}
	return nil
}

// finishTask removes the in-flight record and releases the lease, in that
// order: a record without a lease is the reaper's requeue signal, and the
// record must be gone before that signal can appear.
func (r *Runner) finishTask(ctx context.Context, task *queue.Task) {
	if _, err := r.st.HDel(ctx, store.KeyInflight, task.TaskID); err != nil {
		r.logger.Warn("In-flight record removal failed", "task_id", task.TaskID, "error", err)
	}
	if err := r.st.Del(ctx, store.LeaseKey(task.TaskID)); err != nil {
		r.logger.Warn("Lease release failed", "task_id", task.TaskID, "error", err)
	}
}

func (r *Runner) trackLease(taskID string) {
	r.mu.Lock()
	r.leases[taskID] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrackLease(taskID string) {
	r.mu.Lock()
	delete(r.leases, taskID)
	r.mu.Unlock()
}

// Shutdown drains in-flight work, releases anything still held, and
// deregisters the worker. Used for graceful shutdown and test teardown.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Shutdown timeout, releasing held leases")
	}

	r.mu.Lock()
	held := make([]string, 0, len(r.leases))
	for id := range r.leases {
		held = append(held, id)
	}
	r.mu.Unlock()
	for _, id := range held {
		if err := r.st.Del(ctx, store.LeaseKey(id)); err != nil {
			r.logger.Warn("Lease release on shutdown failed", "task_id", id, "error", err)
		}
	}

	if err := r.st.SRem(ctx, store.KeyWorkerRegistry, r.cfg.WorkerID); err != nil {
		return err
	}
	if err := r.st.Del(ctx, store.WorkerHeartbeatKey(r.cfg.WorkerID)); err != nil {
		return err
	}
	r.logger.Info("Worker stopped cleanly", "worker_id", r.cfg.WorkerID)
	return nil
}
