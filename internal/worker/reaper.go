package worker

import (
	"context"
	"encoding/json"
	"time"

	"checkq/internal/events"
	"checkq/internal/store"
)

// reapGrace shields tasks that were just dequeued but have not acquired
// their lease yet from being mistaken for crashed work.
const reapGrace = 5 * time.Second

func (r *Runner) reaperLoop(ctx context.Context) {
	interval := r.cfg.ReaperInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.ReapExpiredLeases(ctx)
			if err != nil {
				r.logger.Error("Failed to reap expired leases", "error", err)
			} else if count > 0 {
				r.logger.Info("Requeued tasks from expired leases", "count", count)
			}
		}
	}
}

// ReapExpiredLeases finds in-flight tasks whose lease has expired and makes
// each one re-dequeuable exactly once: the HDEL return value arbitrates
// between racing reapers, so a task is requeued by whichever process
// removes the record, and only that one.
func (r *Runner) ReapExpiredLeases(ctx context.Context) (int, error) {
	entries, err := r.st.HGetAll(ctx, store.KeyInflight)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for taskID, raw := range entries {
		var rec inflightRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Task == nil {
			_, _ = r.st.HDel(ctx, store.KeyInflight, taskID)
			continue
		}
		if time.Since(rec.ClaimedAt) < reapGrace {
			continue
		}
		leased, err := r.st.Exists(ctx, store.LeaseKey(taskID))
		if err != nil {
			return requeued, err
		}
		if leased {
			continue // still being worked
		}

		// Record present, lease gone: the worker died mid-processing.
		n, err := r.st.HDel(ctx, store.KeyInflight, taskID)
		if err != nil {
			return requeued, err
		}
		if n == 0 {
			continue // another reaper won the race
		}
		if err := r.q.Requeue(ctx, rec.Task); err != nil {
			return requeued, err
		}
		requeued++
		tasksRequeued.Inc()
		r.events.Publish(events.Event{
			Level:    "warn",
			Type:     events.TypeTaskRequeued,
			Message:  "lease expired, task requeued",
			TaskID:   taskID,
			BatchID:  rec.Task.BatchID,
			WorkerID: rec.WorkerID,
		})
	}
	return requeued, nil
}
