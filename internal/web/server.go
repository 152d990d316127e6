package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"checkq/internal/events"
	"checkq/internal/progress"
	"checkq/internal/proxy"
	"checkq/internal/queue"
	"checkq/internal/store"
)

// Server is the operational HTTP surface: health, metrics, queue stats,
// proxy health, batch submission, and an event stream.
type Server struct {
	st      *store.Client
	q       *queue.Service
	router  *proxy.Router
	tracker *progress.Tracker
	addr    string
	token   string
	limiter *authLimiter
	allow   *CIDRAllowlist
	events  *events.Broker
	logger  *slog.Logger
}

func NewServer(st *store.Client, q *queue.Service, router *proxy.Router, tracker *progress.Tracker, addr, token string, allowlist *CIDRAllowlist, broker *events.Broker, logger *slog.Logger) *Server {
	return &Server{
		st:      st,
		q:       q,
		router:  router,
		tracker: tracker,
		addr:    addr,
		token:   token,
		limiter: newAuthLimiter(DefaultAuthLimit, DefaultAuthWindow, DefaultAuthMaxEntries),
		allow:   allowlist,
		events:  broker,
		logger:  logger,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/stats", s.handleStats)
	r.Get("/proxies", s.handleProxies)
	r.Post("/batches", s.handleEnqueue)
	r.Get("/events", s.handleEvents)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("Ops server listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if s.allow != nil && !s.allow.Allows(host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if s.token != "" {
			if !s.limiter.allow(host, time.Now()) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+s.token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.q.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		http.Error(w, "no proxy pool configured", http.StatusNotFound)
		return
	}
	snapshot, err := s.router.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snapshot)
}

type enqueueRequest struct {
	BatchID     string             `json:"batch_id"`
	Credentials []queue.Credential `json:"credentials"`
	ChatID      int64              `json:"chat_id"`
	MessageID   int64              `json:"message_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.BatchID == "" || len(req.Credentials) == 0 {
		http.Error(w, "batch_id and credentials required", http.StatusBadRequest)
		return
	}

	res, err := s.q.EnqueueBatch(r.Context(), req.BatchID, req.Credentials)
	if err != nil {
		switch {
		case errors.Is(err, proxy.ErrNoHealthyProxy):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, queue.ErrQueueFull):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if res.Queued > 0 && s.tracker != nil {
		target := queue.ReportTarget{ChatID: req.ChatID, MessageID: req.MessageID}
		if err := s.tracker.InitBatch(r.Context(), req.BatchID, res.Queued, target); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, res)
}

// handleEvents streams operational events as newline-delimited JSON until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "events disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	filter := parseEventFilter(r)

	ch, cancel, snapshot := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, ev := range snapshot {
		if filter.Matches(ev) {
			_ = enc.Encode(ev)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if !filter.Matches(ev) {
				continue
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
