// Package retry reruns transient persistence failures with capped
// exponential backoff. Only errors classified as transient are retried;
// domain errors and permission failures pass through untouched.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/rand"
	"net"
	"time"
)

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Default suits interactive request paths: three tries inside a second.
func Default() Policy {
	return Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// Do runs op, retrying transient failures until the policy's attempts are
// exhausted or the context is done. The last error is returned as-is.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(delay)):
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
	}
	return err
}

// Transient reports whether err looks like a recoverable infrastructure
// failure: a per-call deadline, a network timeout, or a bad connection.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// up to +25%
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
