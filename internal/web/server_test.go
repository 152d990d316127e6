package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"checkq/internal/events"
	"checkq/internal/progress"
	"checkq/internal/proxy"
	"checkq/internal/queue"
	"checkq/internal/store"
)

type nullReporter struct{}

func (nullReporter) Edit(ctx context.Context, target queue.ReportTarget, text string) error {
	return nil
}

func (nullReporter) Send(ctx context.Context, target queue.ReportTarget, text string) error {
	return nil
}

func newTestServer(t *testing.T, token string, allow *CIDRAllowlist) (*Server, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewFromRedis(rdb)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := []proxy.Endpoint{{ID: "p1", URL: "http://proxy1.internal:3128"}}
	router := proxy.NewRouter(st, pool, proxy.RouterOptions{}, logger)
	q := queue.NewService(st, router, queue.ServiceOptions{}, logger)
	tracker := progress.NewTracker(st, nullReporter{}, progress.TrackerOptions{}, logger)
	broker := events.NewBroker(10)
	return NewServer(st, q, router, tracker, ":0", token, allow, broker, logger), st
}

func TestHandleEnqueue(t *testing.T) {
	s, st := newTestServer(t, "", nil)

	body := `{"batch_id":"b1","credentials":[{"username":"u@example.com","password":"pw"}],"chat_id":5}`
	req := httptest.NewRequest("POST", "/batches", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleEnqueue(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res queue.EnqueueResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Queued != 1 || res.Cached != 0 {
		t.Errorf("res = %+v", res)
	}

	depth, err := st.LLen(context.Background(), store.KeyMainQueue)
	if err != nil || depth != 1 {
		t.Errorf("queue depth = %d (err %v), want 1", depth, err)
	}
	// Batch entity seeded for progress tracking.
	if _, err := st.Get(context.Background(), store.ProgressKey("b1")); err != nil {
		t.Errorf("batch entity missing: %v", err)
	}
}

func TestHandleEnqueueValidation(t *testing.T) {
	s, _ := newTestServer(t, "", nil)

	for name, body := range map[string]string{
		"bad json":       "{",
		"no batch id":    `{"credentials":[{"username":"u","password":"p"}]}`,
		"no credentials": `{"batch_id":"b1","credentials":[]}`,
	} {
		req := httptest.NewRequest("POST", "/batches", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.handleEnqueue(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestHandleEnqueueNoHealthyProxy(t *testing.T) {
	s, _ := newTestServer(t, "", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.router.RecordResult(ctx, "p1", false); err != nil {
			t.Fatalf("RecordResult: %v", err)
		}
	}

	body := `{"batch_id":"b1","credentials":[{"username":"u@example.com","password":"pw"}]}`
	req := httptest.NewRequest("POST", "/batches", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleEnqueue(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	s, st := newTestServer(t, "", nil)
	ctx := context.Background()
	if err := st.RPush(ctx, store.KeyMainQueue, "{}", "{}"); err != nil {
		t.Fatalf("RPush: %v", err)
	}

	req := httptest.NewRequest("GET", "/stats", nil)
	rec := httptest.NewRecorder()
	s.handleStats(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats queue.QueueStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.MainQueue != 2 || stats.Total != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleProxies(t *testing.T) {
	s, _ := newTestServer(t, "", nil)

	req := httptest.NewRequest("GET", "/proxies", nil)
	rec := httptest.NewRecorder()
	s.handleProxies(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snapshot []proxy.Health
	if err := json.NewDecoder(rec.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snapshot) != 1 || !snapshot[0].Healthy {
		t.Errorf("snapshot = %+v", snapshot)
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, "", nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestAuthMiddlewareToken(t *testing.T) {
	s, _ := newTestServer(t, "hunter2", nil)
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/stats", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/stats", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("Authorization", "Bearer hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
}

func TestAuthMiddlewareAllowlist(t *testing.T) {
	allow, err := ParseCIDRAllowlist("10.0.0.0/8")
	if err != nil {
		t.Fatalf("ParseCIDRAllowlist: %v", err)
	}
	s, _ := newTestServer(t, "", allow)
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/stats", nil)
	req.RemoteAddr = "10.2.3.4:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed source: status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("GET", "/stats", nil)
	req.RemoteAddr = "192.168.1.1:5555"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("blocked source: status = %d, want 403", rec.Code)
	}
}
