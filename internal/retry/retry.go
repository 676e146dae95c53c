// Package retry retries transient failures with exponential backoff.
//
// The consumption engine wraps version-conditional ledger updates in Do:
// a lost version race is transient and worth another attempt, everything
// else is wrapped Permanent and surfaces immediately.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// maxDelay caps the backoff so a long conflict streak never parks a
// request for more than one sleep of this length.
const maxDelay = 2 * time.Second

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately and returns it unwrapped.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn up to maxAttempts times, sleeping between attempts with
// exponential backoff and +-25% jitter. It returns nil on the first
// success, the inner error as soon as fn reports a permanent failure,
// and ctx.Err() when the context ends during a backoff sleep. After the
// last attempt the last error is returned as-is.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(baseDelay, attempt)):
		}
	}
	return err
}

// backoff doubles baseDelay per completed attempt up to maxDelay, then
// jitters the result by +-25% so colliding writers decorrelate.
func backoff(baseDelay time.Duration, attempt int) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := delay / 4
	if jitter <= 0 {
		return delay
	}
	return delay - jitter + rand.N(2*jitter)
}
