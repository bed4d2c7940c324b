package breaker

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig bounds the retry loop around one upstream call.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first (default: 3).
	MaxRetries int
	// BaseBackoff is the first delay; it doubles per attempt (default: 100ms).
	BaseBackoff time.Duration
	// MaxBackoff caps the delay (default: 2s).
	MaxBackoff time.Duration
	// IsTransient decides whether an error is worth retrying. A nil
	// classifier retries nothing.
	IsTransient func(error) bool
	// Classify labels the error for the breaker snapshot.
	Classify func(error) string
}

func (c *RetryConfig) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
}

// Do runs fn under the breaker with retries. The breaker is consulted once
// up front and told the settled outcome once at the end, so an unlucky
// retry sequence counts as a single failure against the circuit.
//
// Only transient errors are retried; permanent errors and context
// cancellation return immediately.
func Do(ctx context.Context, b *Breaker, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg.defaults()

	if err := b.Allow(); err != nil {
		return err
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			b.Record(true, "")
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation is the caller's doing, not the target's health.
			b.Record(true, "")
			return err
		}
		if cfg.IsTransient == nil || !cfg.IsTransient(err) || attempt >= cfg.MaxRetries {
			break
		}

		delay := backoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt)
		slog.Debug("breaker: retrying after transient error",
			"target", b.target,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			b.Record(true, "")
			return ctx.Err()
		}
	}

	class := "error"
	if cfg.Classify != nil {
		class = cfg.Classify(err)
	}
	b.Record(false, class)
	return err
}

// backoff returns base·2^attempt capped at max, with ±25% jitter.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
