package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnThirdAttempt(t *testing.T) {
	var calls int
	var retries int
	cfg := fastRetry(3)
	cfg.OnRetry = func(int, error) { retries++ }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("connection reset"), 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if retries != 2 {
		t.Errorf("expected 2 retries, got %d", retries)
	}
}

func TestDo_ExhaustsAttemptBudget(t *testing.T) {
	var calls int
	last := errors.New("attempt error")

	err := Do(context.Background(), fastRetry(2), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(last, 0)
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, last) {
		t.Errorf("expected last error surfaced, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("permanent error: bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retry for non-transient), got %d", calls)
	}
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Multiplier:     2.0,
	}

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected retries to stop at cancel (2 calls), got %d", calls)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var retryAttempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) {
		retryAttempts = append(retryAttempts, attempt)
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 503)
	})

	if len(retryAttempts) != 2 {
		t.Fatalf("expected 2 OnRetry calls, got %d", len(retryAttempts))
	}
	if retryAttempts[0] != 1 || retryAttempts[1] != 2 {
		t.Errorf("expected attempts [1, 2], got %v", retryAttempts)
	}
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(errors.New("fail"), 503)
		}
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "hello" {
		t.Errorf("expected %q, got %q", "hello", val)
	}
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastRetry(2), func(_ context.Context) (int, error) {
		return 42, NewTransientError(errors.New("fail"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
}

func TestDo_DefaultConfig(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), RetryConfig{}, func(_ context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestComputeBackoff_ExponentialGrowth(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0,
	})

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, want := range expected {
		if got := computeBackoff(i, cfg); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestComputeBackoff_JitterNeverExceedsMax(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Second,
		Multiplier:     4.0,
		JitterFraction: 0.5,
	})

	for i := 0; i < 200; i++ {
		if d := computeBackoff(3, cfg); d > 2*time.Second {
			t.Fatalf("delay %v exceeds max backoff", d)
		}
	}
}

func TestComputeBackoff_WithJitter(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := computeBackoff(0, cfg)
		seen[d] = true
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Errorf("delay %v outside expected range [500ms, 1500ms]", d)
		}
	}
	if len(seen) < 2 {
		t.Error("expected jitter to produce varying delays")
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(4, 100, 2000, 3, 0)
	if cfg.MaxAttempts != 4 || cfg.InitialBackoff != 100*time.Millisecond ||
		cfg.MaxBackoff != 2*time.Second || cfg.Multiplier != 3 || cfg.JitterFraction != 0 {
		t.Errorf("unexpected config %+v", cfg)
	}

	defaults := FromRetryConfig(0, 0, 0, 0, -1)
	if defaults.MaxAttempts != 3 || defaults.JitterFraction != 0.25 {
		t.Errorf("expected defaults kept, got %+v", defaults)
	}
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	// Just verify it doesn't panic.
	RetryLogger(zap.NewNop(), "extract")(1, errors.New("test error"))
	RetryLogger(nil, "extract")(2, errors.New("test error"))
}
