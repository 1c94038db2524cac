// Package retry is the single timeout+retry primitive shared by the message
// protocol layer and the recovery subsystem.
package retry

import (
	"context"
	"time"
)

// Policy parameterizes bounded retries with a fixed backoff between
// attempts.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Do runs op until it succeeds, the attempt budget is spent, or ctx is
// done. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Backoff > 0 {
			timer := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
