package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/tradefabric/internal/metrics"
)

// Policy configures retry behavior for venue calls.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultPolicy returns the retry policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// PolicyFor derives a retry policy from the configured ceiling, keeping the
// default backoff shape.
func PolicyFor(maxRetries int) Policy {
	p := DefaultPolicy()
	if maxRetries > 0 {
		p.MaxRetries = maxRetries
	}
	return p
}

// Operation is one venue call attempt.
type Operation func() error

// withRetry executes an operation with exponential backoff. Only failures
// Retryable reports as transient are retried; each sleep carries jitter so
// throttled workers do not reconverge on the venue in lockstep.
func withRetry(ctx context.Context, policy Policy, log zerolog.Logger, op Operation) error {
	var lastErr error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt == policy.MaxRetries {
			break
		}

		sleep := jitter(backoff)
		metrics.RecordOrderRetry()
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", policy.MaxRetries+1).
			Dur("backoff", sleep).
			Msg("venue call failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * policy.BackoffFactor)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

// jitter spreads a backoff over [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}
