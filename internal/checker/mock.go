package checker

import (
	"context"
	"crypto/sha256"
	"time"

	"checkq/internal/queue"
)

// Mock is a scriptable checker for tests and soak runs. Outcomes come from
// the Script function when set, otherwise from a stable hash of the
// username so repeated runs classify the same credential the same way.
type Mock struct {
	Sleep  time.Duration
	Script func(username, password, proxyURL string) (Result, error)
}

func NewMock(sleep time.Duration) *Mock {
	return &Mock{Sleep: sleep}
}

func (m *Mock) Check(ctx context.Context, username, password, proxyURL string) (Result, error) {
	if m.Sleep > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.Sleep):
		}
	}
	if m.Script != nil {
		return m.Script(username, password, proxyURL)
	}

	sum := sha256.Sum256([]byte(username))
	switch sum[0] % 4 {
	case 0:
		return Result{Status: queue.StatusValid, Details: "mock valid"}, nil
	case 1:
		return Result{Status: queue.StatusInvalid}, nil
	case 2:
		return Result{Status: queue.StatusBlocked, Details: "mock blocked"}, nil
	default:
		return Result{Status: queue.StatusInvalid}, nil
	}
}
