package checker

import (
	"context"

	"checkq/internal/queue"
)

// Result holds the classified outcome of one credential check.
type Result struct {
	Status  queue.Status `json:"status"`
	Details string       `json:"details,omitempty"`
}

// Checker validates one credential pair against the target service through
// the given proxy. The real request/response interpreter lives outside this
// module; workers depend only on this interface.
type Checker interface {
	Check(ctx context.Context, username, password, proxyURL string) (Result, error)
}
