// Package retry provides bounded exponential-backoff retry for fallible
// operations.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/hokuto/raido/internal/utils"
)

// DefaultMaxAttempts is used when a Policy is constructed with a
// non-positive attempt count.
const DefaultMaxAttempts = 3

// Policy retries an operation up to MaxAttempts times, sleeping
// (2^attempt + 1) seconds between attempts. It carries no knowledge of
// what the operation does.
type Policy struct {
	MaxAttempts int

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// New returns a Policy with the given attempt budget.
func New(maxAttempts int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Policy{MaxAttempts: maxAttempts, sleep: time.Sleep}
}

// Do runs op until it succeeds or the attempt budget is exhausted, in
// which case the last error is returned. Context cancellation is never
// retried; the cancellation error is returned as-is so callers can tell
// it apart from a genuine failure.
func (p Policy) Do(ctx context.Context, op func() error) error {
	log := utils.GetLogger("retry")
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || ctx.Err() != nil {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			wait := time.Duration(1<<attempt+1) * time.Second
			log.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("wait", wait).Msg("Attempt failed, backing off")
			sleep(wait)
		}
	}
	log.Error().Err(lastErr).Int("maxAttempts", maxAttempts).Msg("All retry attempts exhausted")
	return lastErr
}
