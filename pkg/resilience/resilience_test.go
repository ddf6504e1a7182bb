// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	relayerrors "github.com/jllopis/pagerelay/pkg/errors"
)

func fastConfig() RetryConfig {
	return DefaultRetryConfig().WithInitialDelay(time.Millisecond)
}

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	err := fastConfig().Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := fastConfig().WithMaxAttempts(2).Do(context.Background(), func() error {
		attempts++
		return errors.New("always fails")
	})

	if err == nil {
		t.Errorf("expected error after max attempts")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryRelayErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attempts int
	}{
		{"page not connected retries", relayerrors.PageNotConnected("p1", nil), 3},
		{"invalid input stops", relayerrors.InvalidInput("selector", "must be a non-empty string"), 1},
		{"remote error stops", relayerrors.Remote("p1", "boom"), 1},
		{"deadline stops", context.DeadlineExceeded, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			attempts := 0
			_ = fastConfig().Do(context.Background(), func() error {
				attempts++
				return tc.err
			})
			if attempts != tc.attempts {
				t.Errorf("expected %d attempts, got %d", tc.attempts, attempts)
			}
		})
	}
}

func TestRetryNonRecoverable(t *testing.T) {
	attempts := 0
	cfg := fastConfig().WithIsRecoverable(func(error) bool { return false })
	err := cfg.Do(context.Background(), func() error {
		attempts++
		return errors.New("non-recoverable error")
	})
	if err == nil || attempts != 1 {
		t.Errorf("expected one failed attempt, got %d (%v)", attempts, err)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultRetryConfig().WithInitialDelay(time.Second).WithMaxAttempts(5)
	attempts := 0
	err := cfg.Do(ctx, func() error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if !relayerrors.HasCode(err, relayerrors.CodeCancelled) {
		t.Errorf("expected cancelled error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestBackoff(t *testing.T) {
	rc := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond, Multiplier: 2}
	if got := rc.Backoff(1); got != 100*time.Millisecond {
		t.Errorf("attempt 1: got %s", got)
	}
	if got := rc.Backoff(2); got != 200*time.Millisecond {
		t.Errorf("attempt 2: got %s", got)
	}
	if got := rc.Backoff(5); got != 250*time.Millisecond {
		t.Errorf("attempt 5: got %s", got)
	}
}

func TestRetryReturnsValueAndReportsAttempts(t *testing.T) {
	var retried []int
	cfg := fastConfig().WithOnRetry(func(attempt int, err error, wait time.Duration) {
		retried = append(retried, attempt)
	})

	calls := 0
	pages, err := Retry(context.Background(), cfg, func(context.Context) ([]string, error) {
		calls++
		if calls == 1 {
			return nil, relayerrors.PageNotConnected("p1", nil)
		}
		return []string{"p1"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pages) != 1 || pages[0] != "p1" {
		t.Fatalf("unexpected value %v", pages)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Fatalf("expected one retry after attempt 1, got %v", retried)
	}
}

func TestRetryZeroValueOnFailure(t *testing.T) {
	got, err := Retry(context.Background(), fastConfig().WithMaxAttempts(1), func(context.Context) (int, error) {
		return 42, errors.New("boom")
	})
	if err == nil || got != 0 {
		t.Fatalf("expected zero value and error, got %d %v", got, err)
	}
}
