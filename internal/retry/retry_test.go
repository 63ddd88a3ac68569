package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
		Randomization:   0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	retries, err := fastPolicy(5).Do(context.Background(), func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retries != 0 {
		t.Fatalf("expected 0 retries, got %d", retries)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	failures := 3
	calls := 0
	retries, err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		if calls <= failures {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != failures+1 {
		t.Fatalf("expected %d calls, got %d", failures+1, calls)
	}
	if retries != failures {
		t.Fatalf("expected %d retries recorded, got %d", failures, retries)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cause := errors.New("timeout")
	calls := 0
	retries, err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected last cause %v, got %v", cause, err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if retries != 2 {
		t.Fatalf("expected 2 retries, got %d", retries)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cause := errors.New("quota exceeded")
	calls := 0
	_, err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return Permanent(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected %v, got %v", cause, err)
	}
	if calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d calls", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := fastPolicy(100).Do(ctx, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls > 3 {
		t.Fatalf("retries should stop promptly after cancel, got %d calls", calls)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
}
