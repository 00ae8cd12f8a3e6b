package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
)

// recordingSleep captures requested delays without waiting.
func recordingSleep(got *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*got = append(*got, d)
		return ctx.Err()
	}
}

func TestPolicyDelays(t *testing.T) {
	policy := FromMillis(5, 1000, 30000)

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := policy.NextDelay(i + 1); got != w {
			t.Errorf("NextDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicyShouldRetry(t *testing.T) {
	policy := Default()

	if !policy.ShouldRetry(errors.New("connection refused"), 1) {
		t.Error("expected connection error to be retryable")
	}
	if policy.ShouldRetry(errs.E(errs.KindTimeout, "op", "slow"), 5) {
		t.Error("should not retry after max attempts")
	}
	if policy.ShouldRetry(errs.Validation("op", "bad"), 1) {
		t.Error("validation errors are never retried")
	}
	if policy.ShouldRetry(nil, 1) {
		t.Error("nil error should not be retryable")
	}
}

func TestExecuteSuccessAfterTransient(t *testing.T) {
	var slept []time.Duration
	policy := FromMillis(5, 1000, 30000)
	policy.Sleep = recordingSleep(&slept)

	res := policy.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return errs.E(errs.KindTransientDelivery, "op", "503")
		}
		return nil
	})

	if res.Err != nil {
		t.Errorf("expected success, got %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("unexpected delays %v", slept)
	}
}

func TestExecuteNonRetryableRunsOnce(t *testing.T) {
	policy := FromMillis(5, 1000, 30000)
	policy.Sleep = recordingSleep(new([]time.Duration))

	res := policy.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		return errs.NotFound("op", "no such item")
	})

	if res.Attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", res.Attempts)
	}
	if !errors.Is(res.Err, errs.ErrNotFound) {
		t.Errorf("expected not-found error, got %v", res.Err)
	}
}

func TestExecuteExhaustionIsFinal(t *testing.T) {
	var slept []time.Duration
	policy := FromMillis(5, 1000, 30000)
	policy.Sleep = recordingSleep(&slept)

	res := policy.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		return errs.E(errs.KindTimeout, "op", "upstream timeout")
	})

	if res.Attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", res.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(res.Delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, res.Delays)
	}
	for i := range want {
		if res.Delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, res.Delays[i], want[i])
		}
	}
	if errs.Retryable(res.Err) {
		t.Error("exhausted result must not be retryable")
	}
	if !errors.Is(res.Err, errs.ErrTimeout) {
		t.Errorf("expected last error to stay reachable, got %v", res.Err)
	}
}

func TestExecuteHonorsRetryAfterFloor(t *testing.T) {
	var slept []time.Duration
	policy := FromMillis(2, 1000, 30000)
	policy.Sleep = recordingSleep(&slept)

	policy.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		return errs.RateLimited("op", 7*time.Second, "429")
	})

	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Errorf("expected a single 7s delay, got %v", slept)
	}
}

func TestExecuteStopsOnDeadline(t *testing.T) {
	policy := &Policy{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	res := policy.Execute(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("timeout talking to upstream")
	})

	if calls != 1 {
		t.Errorf("expected the deadline to stop retries after 1 call, got %d", calls)
	}
	if errs.Retryable(res.Err) {
		t.Error("deadline-ended result must not be retryable")
	}
}
