package session

import (
	"context"
	"time"

	"guardian-node/internal/custody"
	"guardian-node/internal/metrics"
)

// RetryPolicy bounds how a caller that lost a compare-and-swap race tries again. Attempt n waits
// Backoff * 2^(n-1) before re-reading, capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is used when a Manager is built without one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Backoff: 10 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}

// Do runs fn until it returns something other than a concurrent update conflict or the
// attempts are exhausted. fn must re-read the record on every call.
func (p RetryPolicy) Do(ctx context.Context, record string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !custody.IsRetryable(err) {
			return err
		}
		metrics.ConflictsTotal.WithLabelValues(record).Inc()
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
	}
	return err
}
