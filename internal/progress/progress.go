package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"checkq/internal/queue"
	"checkq/internal/store"
)

const (
	defaultMinReportInterval = 3 * time.Second
	defaultBatchTTL          = 7 * 24 * time.Hour
)

// Reporter is the messaging front-end the tracker emits into: an editable
// in-place status message plus standalone sends. Treated as a black box.
type Reporter interface {
	Edit(ctx context.Context, target queue.ReportTarget, text string) error
	Send(ctx context.Context, target queue.ReportTarget, text string) error
}

// Batch is the per-batch accounting entity kept in the shared store.
type Batch struct {
	BatchID   string             `json:"batch_id"`
	Total     int                `json:"total"`
	Target    queue.ReportTarget `json:"target"`
	StartTime time.Time          `json:"start_time"`
}

// Summary is the final per-outcome tally for a finished batch.
type Summary struct {
	BatchID  string           `json:"batch_id"`
	Total    int              `json:"total"`
	Counts   map[queue.Status]int64 `json:"counts"`
	Duration time.Duration    `json:"duration"`
}

// Tracker aggregates completion counts per batch and emits throttled status
// reports. All state lives in the store, so any process (a worker bumping a
// counter, a freshly promoted coordinator resuming reports) sees the same
// numbers.
type Tracker struct {
	st          *store.Client
	reporter    Reporter
	minInterval time.Duration
	batchTTL    time.Duration
	logger      *slog.Logger
}

type TrackerOptions struct {
	MinReportInterval time.Duration
	BatchTTL          time.Duration
}

func NewTracker(st *store.Client, reporter Reporter, opts TrackerOptions, logger *slog.Logger) *Tracker {
	interval := opts.MinReportInterval
	if interval <= 0 {
		interval = defaultMinReportInterval
	}
	ttl := opts.BatchTTL
	if ttl <= 0 {
		ttl = defaultBatchTTL
	}
	return &Tracker{
		st:          st,
		reporter:    reporter,
		minInterval: interval,
		batchTTL:    ttl,
		logger:      logger,
	}
}

// InitBatch seeds the batch entity. The completion counter starts absent,
// which reads as zero.
func (t *Tracker) InitBatch(ctx context.Context, batchID string, total int, target queue.ReportTarget) error {
	b := Batch{
		BatchID:   batchID,
		Total:     total,
		Target:    target,
		StartTime: time.Now().UTC(),
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return t.st.Set(ctx, store.ProgressKey(batchID), string(data), t.batchTTL)
}

func (t *Tracker) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	raw, err := t.st.Get(ctx, store.ProgressKey(batchID))
	if err != nil {
		return Batch{}, err
	}
	var b Batch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// IncrementCompleted bumps the batch's completion counter atomically and
// returns the new value. Safe under arbitrary worker concurrency; the
// counter is monotonic non-decreasing.
func (t *Tracker) IncrementCompleted(ctx context.Context, batchID string) (int64, error) {
	return t.st.Incr(ctx, store.ProgressCountKey(batchID))
}

func (t *Tracker) Completed(ctx context.Context, batchID string) (int64, error) {
	raw, err := t.st.Get(ctx, store.ProgressCountKey(batchID))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// HandleUpdate emits a progress edit unless one was emitted within the
// minimum interval. The throttle stamp is a SetNX with the interval as its
// TTL, so the rate limit holds across processes too.
func (t *Tracker) HandleUpdate(ctx context.Context, batchID string) error {
	ok, err := t.st.SetNX(ctx, store.ReportStampKey(batchID), "1", t.minInterval)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	b, err := t.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	completed, err := t.Completed(ctx, batchID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Checking… %d/%d done", completed, b.Total)
	return t.reporter.Edit(ctx, b.Target, text)
}

// SendSummary tallies per-outcome result counts and emits the final report.
// ERROR entries are reported distinctly so partial failure is never
// silently dropped.
func (t *Tracker) SendSummary(ctx context.Context, batchID string) (Summary, error) {
	b, err := t.GetBatch(ctx, batchID)
	if err != nil {
		return Summary{}, err
	}

	counts := make(map[queue.Status]int64, len(queue.Statuses))
	for _, status := range queue.Statuses {
		n, err := t.st.LLen(ctx, store.ResultListKey(batchID, string(status)))
		if err != nil {
			return Summary{}, err
		}
		counts[status] = n
	}

	sum := Summary{
		BatchID:  batchID,
		Total:    b.Total,
		Counts:   counts,
		Duration: time.Since(b.StartTime),
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %s finished: %d checked in %s\n", batchID, b.Total, sum.Duration.Round(time.Second))
	for _, status := range queue.Statuses {
		fmt.Fprintf(&sb, "%s: %d\n", status, counts[status])
	}
	if err := t.reporter.Send(ctx, b.Target, sb.String()); err != nil {
		return Summary{}, err
	}
	if t.logger != nil {
		t.logger.Info("Batch summary sent", "batch_id", batchID, "total", b.Total)
	}
	return sum, nil
}

// ActiveBatches lists every batch entity present in the store. A promoted
// coordinator uses this to pick up orchestration where its predecessor
// stopped.
func (t *Tracker) ActiveBatches(ctx context.Context) ([]Batch, error) {
	keys, err := t.st.ScanKeys(ctx, store.PatternProgress)
	if err != nil {
		return nil, err
	}
	var out []Batch
	for _, key := range keys {
		id := strings.TrimPrefix(key, "progress:")
		if strings.Contains(id, ":") {
			// counter / throttle-stamp keys share the prefix
			continue
		}
		b, err := t.GetBatch(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
