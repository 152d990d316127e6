package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"checkq/internal/proxy"
	"checkq/internal/store"
)

// ErrQueueFull signals backpressure: the main queue is at its configured
// depth limit. Caller-visible and non-fatal; retry later.
var ErrQueueFull = errors.New("queue depth limit reached")

// Service turns submitted batches into queued tasks, skipping credentials
// already processed, each task pre-assigned a proxy from the healthy
// rotation.
type Service struct {
	st       *store.Client
	router   *proxy.Router
	maxDepth int64
	dedupTTL time.Duration
	logger   *slog.Logger
}

type ServiceOptions struct {
	MaxQueueDepth int64 // 0 disables the limit
	DedupTTL      time.Duration
}

func NewService(st *store.Client, router *proxy.Router, opts ServiceOptions, logger *slog.Logger) *Service {
	ttl := opts.DedupTTL
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Service{
		st:       st,
		router:   router,
		maxDepth: opts.MaxQueueDepth,
		dedupTTL: ttl,
		logger:   logger,
	}
}

// EnqueueBatch submits a batch of credentials. Previously processed
// credentials are counted as cached and skipped; the rest are assigned a
// proxy and appended to the work queue in a single pipeline. The batch is
// rejected wholesale, with nothing enqueued, if no healthy proxy is
// available or the depth limit would be exceeded.
func (s *Service) EnqueueBatch(ctx context.Context, batchID string, creds []Credential) (EnqueueResult, error) {
	var res EnqueueResult

	fresh := make([]Credential, 0, len(creds))
	for _, c := range creds {
		seen, err := s.alreadyProcessed(ctx, c)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("dedup lookup: %w", err)
		}
		if seen {
			res.Cached++
			continue
		}
		fresh = append(fresh, c)
	}

	if len(fresh) == 0 {
		res.Queued = 0
		return res, nil
	}

	if s.maxDepth > 0 {
		depth, err := s.st.LLen(ctx, store.KeyMainQueue)
		if err != nil {
			return EnqueueResult{}, err
		}
		if depth+int64(len(fresh)) > s.maxDepth {
			return EnqueueResult{}, ErrQueueFull
		}
	}

	// Assign every proxy before pushing anything so a mid-batch
	// NO_HEALTHY_PROXY never leaves a partial enqueue behind.
	now := time.Now().UTC()
	payloads := make([]interface{}, 0, len(fresh))
	for _, c := range fresh {
		ep, err := s.router.NextProxy(ctx)
		if err != nil {
			return EnqueueResult{}, err
		}
		task := Task{
			TaskID:    uuid.NewString(),
			BatchID:   batchID,
			Username:  c.Username,
			Password:  c.Password,
			ProxyID:   ep.ID,
			ProxyURL:  ep.URL,
			CreatedAt: now,
		}
		raw, err := task.Marshal()
		if err != nil {
			return EnqueueResult{}, err
		}
		payloads = append(payloads, raw)
	}

	pipe := s.st.TxPipeline()
	pipe.RPush(ctx, store.KeyMainQueue, payloads...)
	if _, err := pipe.Exec(ctx); err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue pipeline: %w", err)
	}

	res.Queued = len(payloads)
	if s.logger != nil {
		s.logger.Info("Batch enqueued", "batch_id", batchID, "queued", res.Queued, "cached", res.Cached)
	}
	return res, nil
}

// Requeue pushes a task whose lease expired back onto the retry queue with
// its retry counter bumped. Workers drain the retry queue first.
func (s *Service) Requeue(ctx context.Context, task *Task) error {
	task.RetryCount++
	raw, err := task.Marshal()
	if err != nil {
		return err
	}
	return s.st.RPush(ctx, store.KeyRetryQueue, raw)
}
