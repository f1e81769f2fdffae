// Package retry implements the exponential-backoff-with-jitter retry
// envelope used by the flow driver, the session machine's adapter calls
// and the in-memory engine. It exposes a standalone BackoffDelayMS
// function that property tests exercise directly.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures the retry envelope.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// jitterCapMs bounds the random component regardless of base/max_backoff:
// backoff_delay_ms(100, 3) must land in [800, 1800]ms, i.e. a jitter
// component capped at 1000ms even though the default max_backoff
// (5000ms) is larger.
const jitterCapMs = 1000

// BackoffDelayMS computes the delay, in milliseconds, before the (n+1)th
// attempt, given a base delay and the attempt's zero-indexed retry count
// n. When maxBackoffMS > 0 the exponential term is capped at maxBackoffMS
// and the jitter component is uniform over [0, min(maxBackoffMS,
// jitterCapMs)]; when maxBackoffMS <= 0 the exponential term is uncapped
// and the jitter is uniform over [0, jitterCapMs].
func BackoffDelayMS(baseMS int64, n int, maxBackoffMS int64) int64 {
	if n > 10 {
		n = 10
	}
	if n < 0 {
		n = 0
	}
	exp := baseMS << uint(n) //nolint:gosec // n is clamped to [0,10] above
	if maxBackoffMS > 0 && exp > maxBackoffMS {
		exp = maxBackoffMS
	}
	jitterMax := maxBackoffMS
	if jitterMax <= 0 || jitterMax > jitterCapMs {
		jitterMax = jitterCapMs
	}
	jitter := int64(0)
	if jitterMax > 0 {
		jitter = rand.Int63n(jitterMax + 1) //nolint:gosec // jitter need not be cryptographically random
	}
	return exp + jitter
}

// Sleep blocks for BackoffDelayMS(base, n, maxBackoff), honoring ctx
// cancellation.
func Sleep(ctx context.Context, p Policy, n int) error {
	delay := time.Duration(BackoffDelayMS(p.InitialBackoff.Milliseconds(), n, p.MaxBackoff.Milliseconds())) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes op, retrying up to p.MaxAttempts times with backoff between
// attempts, as long as isRetriable(err) reports true. It returns the last
// error if all attempts are exhausted, or nil on the first success.
func Do(ctx context.Context, p Policy, isRetriable func(error) bool, op func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetriable(err) || attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, p, attempt-1); err != nil {
			return err
		}
	}
	return lastErr
}
