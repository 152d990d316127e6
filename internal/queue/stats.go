package queue

import (
	"context"

	"checkq/internal/store"
)

// Stats returns a point-in-time snapshot of queue depths.
func (s *Service) Stats(ctx context.Context) (QueueStats, error) {
	main, err := s.st.LLen(ctx, store.KeyMainQueue)
	if err != nil {
		return QueueStats{}, err
	}
	retry, err := s.st.LLen(ctx, store.KeyRetryQueue)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		MainQueue:  main,
		RetryQueue: retry,
		Total:      main + retry,
	}, nil
}
