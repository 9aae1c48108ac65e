package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayExpDoubles(t *testing.T) {
	p := Policy{Type: Exp, Base: 500 * time.Millisecond, Factor: 2.0, Cap: 10 * time.Second}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: want %v got %v", i+1, w, got)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := Policy{Type: Exp, Base: time.Second, Factor: 2.0, Cap: 3 * time.Second}
	if got := p.Delay(10); got != 3*time.Second {
		t.Fatalf("want cap 3s, got %v", got)
	}
}

func TestDelayJitterWithinBound(t *testing.T) {
	p := Policy{Type: ExpJitter, Base: 100 * time.Millisecond, Factor: 2.0}
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		if d < 0 || d >= 200*time.Millisecond {
			t.Fatalf("jitter out of bound: %v", d)
		}
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Type: None, MaxAttempts: 5}, func(attempt int) (bool, error) {
		calls++
		if attempt == 3 {
			return false, nil
		}
		return false, errors.New("transient")
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("want 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	boom := errors.New("definitive")
	calls := 0
	err := Retry(context.Background(), Policy{Type: None, MaxAttempts: 5}, func(int) (bool, error) {
		calls++
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error must not retry, got %d calls", calls)
	}
}

func TestRetryBoundedAttempts(t *testing.T) {
	boom := errors.New("transient")
	calls := 0
	err := Retry(context.Background(), Policy{Type: None, MaxAttempts: 3}, func(int) (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("want 3 attempts, got %d", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, Policy{Type: Fixed, Base: time.Hour, MaxAttempts: 3}, func(int) (bool, error) {
		return false, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
