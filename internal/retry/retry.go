package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
)

// Policy controls how failed operations are retried with exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns 5 attempts, 1s initial delay, 2x multiplier, 30s max delay.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// FromMillis builds a doubling policy from millisecond bounds.
func FromMillis(attempts, baseMs, maxMs int) *Policy {
	return &Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Duration(baseMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Duration(maxMs) * time.Millisecond,
	}
}

// Result describes one Execute call. Delays holds the wait before each
// retry, so len(Delays) == Attempts-1 when every attempt ran.
type Result struct {
	Attempts int
	Delays   []time.Duration
	Err      error
}

// ShouldRetry returns true if the error is retryable and another attempt
// remains within MaxAttempts.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return errs.Retryable(err)
}

// NextDelay returns the backoff delay after the given attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is used up. A server-provided retry-after on the error is a
// floor for the next delay. When retryable attempts run out, Result.Err
// is wrapped with errs.Exhausted so callers stop retrying too. The outer
// ctx deadline bounds the whole budget.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error) Result {
	var res Result
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err

		if !errs.Retryable(err) {
			return res
		}
		if attempt == attempts {
			break
		}

		delay := p.NextDelay(attempt)
		if floor := errs.RetryAfterOf(err); floor > delay {
			delay = floor
		}
		slog.Debug("retrying after failure", "attempt", attempt, "delay", delay, "error", err)
		res.Delays = append(res.Delays, delay)
		if serr := p.sleep(ctx, delay); serr != nil {
			res.Err = errs.Exhausted(fmt.Errorf("retry budget ended after %d attempts: %w", attempt, errors.Join(err, serr)))
			return res
		}
	}
	res.Err = errs.Exhausted(fmt.Errorf("after %d attempts: %w", res.Attempts, res.Err))
	return res
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
