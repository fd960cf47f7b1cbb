package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 5, Backoff: time.Millisecond, Multiplier: 2, MaxBackoff: 4 * time.Millisecond}

	var seen []int
	err := Reconnect(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errors.New("dial failed")
		}
		return nil
	}, cfg)

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(seen) != 3 || seen[2] != 2 {
		t.Errorf("Expected attempts 0,1,2, got %v", seen)
	}
}

func TestReconnect_Exhausted(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 3, Backoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond}

	calls := 0
	err := Reconnect(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("nope")
	}, cfg)

	if !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestReconnect_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &ReconnectConfig{MaxAttempts: 5, Backoff: time.Hour, Multiplier: 1, MaxBackoff: time.Hour}

	err := Reconnect(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("nope")
	}, cfg)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestReconnectConfig_Delay(t *testing.T) {
	cfg := DefaultReconnectConfig()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := cfg.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}
