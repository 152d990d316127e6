package forward

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"checkq/internal/retry"
	"checkq/internal/store"
)

// DefaultPendingTTL bounds how long an unacknowledged forward marker lives.
// The TTL is a safety net; normal operation deletes the key on ack.
const DefaultPendingTTL = 2 * time.Minute

// Capture is a successful check result queued for downstream delivery.
type Capture struct {
	TrackingCode string    `json:"tracking_code"`
	BatchID      string    `json:"batch_id"`
	TaskID       string    `json:"task_id"`
	Username     string    `json:"username"`
	Password     string    `json:"password"`
	Details      string    `json:"details,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
}

// Forwarder delivers a capture downstream. An error means not acknowledged;
// the pending marker stays and the coordinator retries it.
type Forwarder interface {
	Forward(ctx context.Context, c Capture) error
}

// Service tracks pending forwards in the shared store so a coordinator that
// takes over mid-run can finish deliveries its predecessor left behind.
type Service struct {
	st         *store.Client
	fwd        Forwarder
	pendingTTL time.Duration
	strat      retry.Strategy
	logger     *slog.Logger
}

func NewService(st *store.Client, fwd Forwarder, pendingTTL time.Duration, logger *slog.Logger) *Service {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &Service{
		st:         st,
		fwd:        fwd,
		pendingTTL: pendingTTL,
		strat:      retry.Delivery,
		logger:     logger,
	}
}

// Capture registers the result as pending, then attempts delivery. The
// marker is written first so a crash between the two steps loses nothing:
// the retry sweep picks it up.
func (s *Service) Capture(ctx context.Context, c Capture) error {
	if c.TrackingCode == "" {
		c.TrackingCode = uuid.NewString()
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = time.Now().UTC()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	key := store.PendingForwardKey(c.TrackingCode)
	if err := s.st.Set(ctx, key, string(data), s.pendingTTL); err != nil {
		return err
	}

	if err := s.deliver(ctx, c); err != nil {
		if s.logger != nil {
			s.logger.Warn("Forward not acknowledged, left pending", "tracking_code", c.TrackingCode, "error", err)
		}
		return nil // delivery failure is not the caller's problem
	}
	return s.st.Del(ctx, key)
}

// RetryPending scans for unacknowledged forwards and retries each one.
// Returns (retried, delivered). Safe to run from two coordinators at once:
// a double delivery is tolerated, a lost one is not.
func (s *Service) RetryPending(ctx context.Context) (retried, delivered int, err error) {
	keys, err := s.st.ScanKeys(ctx, store.PatternPendingForwards)
	if err != nil {
		return 0, 0, err
	}
	for _, key := range keys {
		raw, err := s.st.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired or acked meanwhile
		}
		if err != nil {
			return retried, delivered, err
		}
		var c Capture
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			if s.logger != nil {
				s.logger.Warn("Dropping undecodable pending forward", "key", key, "error", err)
			}
			_ = s.st.Del(ctx, key)
			continue
		}

		retried++
		if err := s.deliver(ctx, c); err != nil {
			if s.logger != nil {
				s.logger.Warn("Pending forward retry failed", "tracking_code", c.TrackingCode, "error", err)
			}
			continue
		}
		if err := s.st.Del(ctx, key); err != nil {
			return retried, delivered, err
		}
		delivered++
	}
	return retried, delivered, nil
}

// PendingCount reports how many forwards await acknowledgement.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	keys, err := s.st.ScanKeys(ctx, store.PatternPendingForwards)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Service) deliver(ctx context.Context, c Capture) error {
	return s.strat.Do(ctx, func(ctx context.Context) error {
		return s.fwd.Forward(ctx, c)
	})
}
