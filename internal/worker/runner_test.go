package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"checkq/internal/checker"
	"checkq/internal/config"
	"checkq/internal/forward"
	"checkq/internal/progress"
	"checkq/internal/proxy"
	"checkq/internal/queue"
	"checkq/internal/store"
)

type fakeReporter struct {
	mu    sync.Mutex
	edits []string
	sends []string
}

func (f *fakeReporter) Edit(ctx context.Context, target queue.ReportTarget, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeReporter) Send(ctx context.Context, target queue.ReportTarget, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return nil
}

type captureSink struct {
	mu       sync.Mutex
	captures []forward.Capture
}

func (c *captureSink) Forward(ctx context.Context, fc forward.Capture) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures = append(c.captures, fc)
	return nil
}

type testHarness struct {
	runner   *Runner
	st       *store.Client
	q        *queue.Service
	tracker  *progress.Tracker
	reporter *fakeReporter
	sink     *captureSink
	cfg      *config.Config
}

func newTestHarness(t *testing.T, chk checker.Checker) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewFromRedis(rdb)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		WorkerID:        "w1",
		MaxConcurrency:  2,
		DequeueTimeout:  50 * time.Millisecond,
		LeaseTTL:        time.Minute,
		WorkerHeartbeat: time.Second,
		ReaperInterval:  time.Second,
		ShutdownTimeout: time.Second,
	}

	pool := []proxy.Endpoint{{ID: "p1", URL: "http://proxy1.internal:3128"}}
	router := proxy.NewRouter(st, pool, proxy.RouterOptions{}, logger)
	q := queue.NewService(st, router, queue.ServiceOptions{}, logger)
	reporter := &fakeReporter{}
	tracker := progress.NewTracker(st, reporter, progress.TrackerOptions{}, logger)
	sink := &captureSink{}
	forwards := forward.NewService(st, sink, time.Minute, logger)

	return &testHarness{
		runner:   New(cfg, st, q, router, tracker, forwards, chk, nil, logger),
		st:       st,
		q:        q,
		tracker:  tracker,
		reporter: reporter,
		sink:     sink,
		cfg:      cfg,
	}
}

func validChecker() *checker.Mock {
	return &checker.Mock{Script: func(username, password, proxyURL string) (checker.Result, error) {
		return checker.Result{Status: queue.StatusValid, Details: "ok"}, nil
	}}
}

func enqueueOne(t *testing.T, h *testHarness, batchID string) {
	t.Helper()
	ctx := context.Background()
	res, err := h.q.EnqueueBatch(ctx, batchID, []queue.Credential{
		{Username: "u@example.com", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if err := h.tracker.InitBatch(ctx, batchID, res.Queued, queue.ReportTarget{}); err != nil {
		t.Fatalf("InitBatch: %v", err)
	}
}

func TestDequeueTimeoutIsIdleNotError(t *testing.T) {
	h := newTestHarness(t, validChecker())
	task, err := h.runner.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task != nil {
		t.Errorf("task = %+v, want nil on timeout", task)
	}
}

func TestDequeueParksInflightRecord(t *testing.T) {
	h := newTestHarness(t, validChecker())
	ctx := context.Background()
	enqueueOne(t, h, "b1")

	task, err := h.runner.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task == nil {
		t.Fatal("no task dequeued")
	}

	entries, err := h.st.HGetAll(ctx, store.KeyInflight)
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	raw, ok := entries[task.TaskID]
	if !ok {
		t.Fatal("no in-flight record for dequeued task")
	}
	var rec inflightRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.WorkerID != "w1" || rec.Task.TaskID != task.TaskID {
		t.Errorf("record = %+v", rec)
	}
}

func TestDequeueDrainsRetryQueueFirst(t *testing.T) {
	h := newTestHarness(t, validChecker())
	ctx := context.Background()

	enqueueOne(t, h, "main-batch")
	if err := h.q.Requeue(ctx, &queue.Task{TaskID: "t-retry", BatchID: "retry-batch"}); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	task, err := h.runner.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task == nil || task.BatchID != "retry-batch" {
		t.Errorf("first dequeue = %+v, want the retry-queue task", task)
	}
}

func TestProcessTaskFullLifecycle(t *testing.T) {
	h := newTestHarness(t, validChecker())
	ctx := context.Background()
	enqueueOne(t, h, "b1")

	task, err := h.runner.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("Dequeue: task=%v err=%v", task, err)
	}
	h.runner.processTask(ctx, task)

	n, err := h.st.LLen(ctx, store.ResultListKey("b1", string(queue.StatusValid)))
	if err != nil || n != 1 {
		t.Errorf("VALID results = %d (err %v), want 1", n, err)
	}

	exists, err := h.st.Exists(ctx, store.DedupKey(string(queue.StatusValid), queue.Identity(queue.Credential{Username: "u@example.com", Password: "pw"})))
	if err != nil || !exists {
		t.Errorf("dedup marker missing (err %v)", err)
	}

	completed, err := h.tracker.Completed(ctx, "b1")
	if err != nil || completed != 1 {
		t.Errorf("completed = %d (err %v), want 1", completed, err)
	}

	if len(h.sink.captures) != 1 {
		t.Errorf("forwarded captures = %d, want 1", len(h.sink.captures))
	}

	entries, err := h.st.HGetAll(ctx, store.KeyInflight)
	if err != nil || len(entries) != 0 {
		t.Errorf("in-flight entries = %d (err %v), want 0", len(entries), err)
	}
	leased, err := h.st.Exists(ctx, store.LeaseKey(task.TaskID))
	if err != nil || leased {
		t.Errorf("lease still present (err %v)", err)
	}

	// The batch finished with this task, so the summary went out once.
	if len(h.reporter.sends) != 1 {
		t.Errorf("summaries = %d, want 1", len(h.reporter.sends))
	}
}

func TestProcessTaskCheckerErrorBecomesErrorResult(t *testing.T) {
	chk := &checker.Mock{Script: func(username, password, proxyURL string) (checker.Result, error) {
		return checker.Result{}, errors.New("connection reset")
	}}
	h := newTestHarness(t, chk)
	ctx := context.Background()
	enqueueOne(t, h, "b1")

	task, err := h.runner.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("Dequeue: task=%v err=%v", task, err)
	}
	h.runner.processTask(ctx, task)

	n, err := h.st.LLen(ctx, store.ResultListKey("b1", string(queue.StatusError)))
	if err != nil || n != 1 {
		t.Errorf("ERROR results = %d (err %v), want 1", n, err)
	}

	// ERROR stays recheckable: no dedup marker for any status.
	identity := queue.Identity(queue.Credential{Username: "u@example.com", Password: "pw"})
	for _, status := range queue.Statuses {
		exists, err := h.st.Exists(ctx, store.DedupKey(string(status), identity))
		if err != nil {
			t.Fatalf("Exists: %v", err)
		}
		if exists {
			t.Errorf("unexpected dedup marker under %s", status)
		}
	}

	// Batch accounting still advanced.
	completed, err := h.tracker.Completed(ctx, "b1")
	if err != nil || completed != 1 {
		t.Errorf("completed = %d (err %v), want 1", completed, err)
	}
	if len(h.sink.captures) != 0 {
		t.Errorf("forwarded captures = %d, want 0 for ERROR", len(h.sink.captures))
	}
}

func TestProcessTaskCheckerPanicContained(t *testing.T) {
	chk := &checker.Mock{Script: func(username, password, proxyURL string) (checker.Result, error) {
		panic("interpreter bug")
	}}
	h := newTestHarness(t, chk)
	ctx := context.Background()
	enqueueOne(t, h, "b1")

	task, err := h.runner.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("Dequeue: task=%v err=%v", task, err)
	}
	h.runner.processTask(ctx, task)

	n, err := h.st.LLen(ctx, store.ResultListKey("b1", string(queue.StatusError)))
	if err != nil || n != 1 {
		t.Errorf("ERROR results = %d (err %v), want 1", n, err)
	}
}

func TestProcessTaskSkipsWhenAlreadyLeased(t *testing.T) {
	h := newTestHarness(t, validChecker())
	ctx := context.Background()
	enqueueOne(t, h, "b1")

	task, err := h.runner.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("Dequeue: task=%v err=%v", task, err)
	}
	ok, err := h.st.SetNX(ctx, store.LeaseKey(task.TaskID), "other-worker", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX: ok=%v err=%v", ok, err)
	}

	h.runner.processTask(ctx, task)

	n, err := h.st.LLen(ctx, store.ResultListKey("b1", string(queue.StatusValid)))
	if err != nil || n != 0 {
		t.Errorf("results = %d (err %v), want 0 when skipped", n, err)
	}
	completed, err := h.tracker.Completed(ctx, "b1")
	if err != nil || completed != 0 {
		t.Errorf("completed = %d (err %v), want 0", completed, err)
	}
}

func TestProcessTaskBlockedCountsAgainstProxy(t *testing.T) {
	chk := &checker.Mock{Script: func(username, password, proxyURL string) (checker.Result, error) {
		return checker.Result{Status: queue.StatusBlocked, Details: "captcha wall"}, nil
	}}
	h := newTestHarness(t, chk)
	ctx := context.Background()
	enqueueOne(t, h, "b1")

	task, err := h.runner.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("Dequeue: task=%v err=%v", task, err)
	}
	h.runner.processTask(ctx, task)

	health, err := h.runner.router.GetHealth(ctx, "p1")
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if health.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1 (BLOCKED counts against the proxy)", health.ConsecutiveFailures)
	}
}

func TestShutdownDeregistersWorker(t *testing.T) {
	h := newTestHarness(t, validChecker())
	ctx := context.Background()

	if err := h.runner.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	members, err := h.st.SMembers(ctx, store.KeyWorkerRegistry)
	if err != nil || len(members) != 1 {
		t.Fatalf("registry = %v (err %v), want [w1]", members, err)
	}

	close(h.runner.tasks) // no executors started in this test
	if err := h.runner.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	members, err = h.st.SMembers(ctx, store.KeyWorkerRegistry)
	if err != nil || len(members) != 0 {
		t.Errorf("registry = %v (err %v), want empty", members, err)
	}
	exists, err := h.st.Exists(ctx, store.WorkerHeartbeatKey("w1"))
	if err != nil || exists {
		t.Errorf("heartbeat still present (err %v)", err)
	}
}
