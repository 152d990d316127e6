package queue

import (
	"context"

	"checkq/internal/store"
)

// CancelBatch removes not-yet-dequeued tasks belonging to the batch from
// both queues and reports how many were drained. Tasks already leased keep
// running to completion: cancellation is cooperative, not preemptive.
func (s *Service) CancelBatch(ctx context.Context, batchID string) (int, error) {
	drained := 0
	for _, key := range []string{store.KeyMainQueue, store.KeyRetryQueue} {
		raws, err := s.st.LRange(ctx, key, 0, -1)
		if err != nil {
			return drained, err
		}
		for _, raw := range raws {
			task, err := UnmarshalTask(raw)
			if err != nil || task.BatchID != batchID {
				continue
			}
			n, err := s.st.LRem(ctx, key, 1, raw)
			if err != nil {
				return drained, err
			}
			// A worker may have popped it between the range and the
			// remove; that task just finishes normally.
			drained += int(n)
		}
	}
	if s.logger != nil {
		s.logger.Info("Batch cancelled", "batch_id", batchID, "drained", drained)
	}
	return drained, nil
}
