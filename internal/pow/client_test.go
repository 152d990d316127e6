package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func verify(t *testing.T, req ComputeRequest, nonce string) {
	t.Helper()
	sum := sha256.Sum256([]byte(req.Key + req.Seed + nonce))
	if !strings.HasPrefix(hex.EncodeToString(sum[:]), strings.ToLower(req.Mask)) {
		t.Errorf("nonce %q does not satisfy mask %q", nonce, req.Mask)
	}
}

func TestSolveUsesOffloadService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/compute" {
			http.NotFound(w, r)
			return
		}
		var req ComputeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ComputeResponse{Result: "42", Cached: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	got, err := c.Solve(context.Background(), ComputeRequest{Mask: "0", Key: "k", Seed: "s"})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if got != "42" {
		t.Errorf("result = %q, want the offloaded answer", got)
	}
}

func TestSolveFallsBackWhenOffloadDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	req := ComputeRequest{Mask: "0", Key: "key", Seed: "seed"}
	got, err := c.Solve(context.Background(), req)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	verify(t, req, got)
}

func TestSolveLocalWithoutBaseURL(t *testing.T) {
	c := NewClient("", time.Second, testLogger())
	req := ComputeRequest{Mask: "a", Key: "key", Seed: "seed"}
	got, err := c.Solve(context.Background(), req)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	verify(t, req, got)
}

func TestSolveLocalHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// An impossible mask would search forever without the context bound.
	_, err := solveLocal(ctx, ComputeRequest{Mask: strings.Repeat("f", 64), Key: "k", Seed: "s"})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	if !c.Healthy(context.Background()) {
		t.Error("healthy service reported unhealthy")
	}

	none := NewClient("", time.Second, testLogger())
	if none.Healthy(context.Background()) {
		t.Error("client without a base URL cannot be healthy")
	}
}
