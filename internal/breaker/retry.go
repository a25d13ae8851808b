package breaker

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// maxJitter is added to every backoff delay to spread out retry storms.
const maxJitter = 250 * time.Millisecond

// Policy is the shared exponential backoff policy. Limit is the number of
// retries after the initial attempt, so Limit=2 means three attempts total.
type Policy struct {
	Limit     int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the backoff before retrying after attempt (0-indexed):
// min(MaxDelay, BaseDelay * 2^attempt) plus up to maxJitter of jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + rand.N(maxJitter)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: Do stops immediately when the
// operation returns it. Errors are retryable by default.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type abortError struct {
	err error
}

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort marks err as a failure of the surrounding machinery rather than of
// the guarded dependency. Do stops immediately and does not record the
// outcome on the breaker, so infrastructure outages cannot open a breaker
// whose dependency is healthy.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// IsAbort reports whether err was marked with Abort.
func IsAbort(err error) bool {
	var ae *abortError
	return errors.As(err, &ae)
}

// Do runs op with retries under p. Every attempt's outcome is recorded on
// br (when non-nil) so breaker state tracks the dependency's real health
// independent of any one job's retry budget. Errors marked with Abort stop
// the loop without touching the breaker. If the breaker refuses a call,
// Do returns ErrOpen without invoking op.
//
// Returns the number of attempts made alongside the final error.
func Do(ctx context.Context, p Policy, br *Breaker, op func(attempt int) error) (int, error) {
	attempts := 0
	for attempt := 0; ; attempt++ {
		if br != nil {
			if err := br.Allow(); err != nil {
				return attempts, err
			}
		}

		attempts++
		err := op(attempt)
		if IsAbort(err) {
			return attempts, err
		}
		if br != nil {
			if err == nil {
				br.RecordSuccess()
			} else {
				br.RecordFailure()
			}
		}
		if err == nil {
			return attempts, nil
		}
		if IsPermanent(err) || attempt >= p.Limit {
			return attempts, err
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return attempts, ctx.Err()
		}
	}
}
