package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestPolicy_Do(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	isFlaky := func(err error) bool { return errors.Is(err, errFlaky) }

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), isFlaky, func(context.Context) error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("stops at max attempts and returns last error", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), isFlaky, func(context.Context) error {
			calls++
			return errFlaky
		})
		if !errors.Is(err, errFlaky) {
			t.Fatalf("expected errFlaky, got %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		permanent := errors.New("permanent")
		calls := 0
		err := p.Do(context.Background(), isFlaky, func(context.Context) error {
			calls++
			return permanent
		})
		if !errors.Is(err, permanent) {
			t.Fatalf("expected permanent error, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})
}

func TestPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	if got := p.Delay(1); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms for first retry, got %s", got)
	}
	if got := p.Delay(2); got != 200*time.Millisecond {
		t.Fatalf("expected 200ms for second retry, got %s", got)
	}
	if got := p.Delay(4); got != 300*time.Millisecond {
		t.Fatalf("expected delay capped at 300ms, got %s", got)
	}

	jittered := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Jitter: 0.2}
	for i := 0; i < 20; i++ {
		d := jittered.Delay(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("expected jittered delay within 20%%, got %s", d)
		}
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Fatalf("expected 2 attempts to be within budget")
	}
	if !p.Exhausted(3) {
		t.Fatalf("expected 3 attempts to exhaust the policy")
	}
}
