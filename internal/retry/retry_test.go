package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	var retried []int
	cfg := Fixed(3, time.Millisecond)
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(attempt int) error {
		calls++
		if attempt < 3 {
			return Retryable(errors.New("boom"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(int) error {
		calls++
		return Retryable(boom)
	})
	assert.Equal(t, 3, calls)
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("returned error should not carry the retry marker")
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(int) error {
		calls++
		return errors.New("permanent")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, "permanent", err.Error())
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Fixed(5, time.Hour), func(int) error {
		calls++
		cancel()
		return Retryable(errors.New("boom"))
	})
	assert.Equal(t, 1, calls)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitGrowsAndCaps(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.wait(1))
	assert.Equal(t, 200*time.Millisecond, cfg.wait(2))
	assert.Equal(t, 300*time.Millisecond, cfg.wait(3))
	assert.Equal(t, time.Second, Fixed(3, time.Second).wait(3))
}
