package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	var calls int
	got, err := Do(context.Background(), fastPolicy(), func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls, want ok after 1", got, calls)
	}
}

func TestDo_RecoversFromTransientError(t *testing.T) {
	var calls int
	got, err := Do(context.Background(), fastPolicy(), func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, syscall.ECONNRESET
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("got %d after %d calls, want 42 after 3", got, calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), fastPolicy(), func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("tls handshake timeout")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorReturnsImmediately(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), fastPolicy(), func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for a permanent error, got %d", calls)
	}
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	var calls int
	p := fastPolicy()
	p.ShouldRetry = func(err error) bool { return err.Error() == "again" }

	_, err := Do(context.Background(), p, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("again")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int

	_, err := Do(ctx, fastPolicy(), func(_ context.Context) (int, error) {
		calls++
		cancel()
		return 0, syscall.ECONNRESET
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancellation, got %d", calls)
	}
}

func TestDo_OnRetryObservesAttempts(t *testing.T) {
	var attempts []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_, _ = Do(context.Background(), p, func(_ context.Context) (int, error) {
		return 0, errors.New("i/o timeout")
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected retry attempts: %v", attempts)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
	if !IsTransient(errors.New("read tcp: connection reset by peer")) {
		t.Error("connection reset should be transient")
	}
	if IsTransient(errors.New("unauthorized")) {
		t.Error("auth failures should not be transient")
	}
}

func TestBackoffRespectsCap(t *testing.T) {
	p := withDefaults(Policy{
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
		Multiplier:     10,
		JitterFraction: 0,
	})
	if d := backoff(5, p); d != 3*time.Second {
		t.Errorf("backoff not capped: %v", d)
	}
}
