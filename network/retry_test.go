package network

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsAfterMaxRetries(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, MaxRetries: 3}

	attempts := 0
	notified := 0
	err := Retry(context.Background(), policy, func() error {
		attempts++
		return errors.New("unreachable")
	}, func(error, time.Duration) {
		notified++
	})
	if err == nil {
		t.Fatalf("expected error after retries")
	}
	if attempts != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got %d", attempts)
	}
	if notified != 3 {
		t.Fatalf("expected 3 notifications, got %d", notified)
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxRetries: 5}

	attempts := 0
	err := Retry(context.Background(), policy, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Retry(ctx, DefaultRetryPolicy(), func() error {
		called = true
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatalf("expected no attempt on a cancelled context")
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.InitialInterval != 500*time.Millisecond || p.MaxInterval != 5*time.Second || p.Multiplier != 2 || p.MaxRetries != 5 {
		t.Fatalf("unexpected default policy: %+v", p)
	}
}
