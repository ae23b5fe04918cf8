package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxInterval)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Nil(t, cfg.RetryIf)
}

func TestNew_DoesNotMutateCallerConfig(t *testing.T) {
	cfg := &Config{MaxRetries: -3}
	r := New(cfg)

	assert.Equal(t, 0, r.config.MaxRetries)
	assert.Equal(t, -3, cfg.MaxRetries)
	assert.Equal(t, 2.0, r.config.Multiplier)
}

func TestRetrier_Do_Success(t *testing.T) {
	attempts := 0
	result := New(Immediate(3, nil)).Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts++
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_Do_SucceedsOnRetry(t *testing.T) {
	var seen []int
	result := New(Immediate(1, nil)).Do(context.Background(), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt == 1 {
			return errBusy
		}
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 2, result.Attempts)
}

func TestRetrier_Do_Exhausted(t *testing.T) {
	result := New(Immediate(1, nil)).Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errBusy
	})

	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, result.Err, errBusy)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, errBusy, result.LastError)
}

func TestRetrier_Do_PermanentStopsImmediately(t *testing.T) {
	other := errors.New("bad input")
	result := New(Immediate(5, nil)).Do(context.Background(), func(ctx context.Context, attempt int) error {
		return Permanent(other)
	})

	assert.Equal(t, other, result.Err)
	assert.Equal(t, 1, result.Attempts)
}

func TestRetrier_Do_RetryIfFilters(t *testing.T) {
	other := errors.New("not retryable")
	onlyBusy := func(err error) bool { return errors.Is(err, errBusy) }

	result := New(Immediate(3, onlyBusy)).Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return errBusy
		}
		return other
	})

	assert.Equal(t, other, result.Err)
	assert.Equal(t, 2, result.Attempts)
}

func TestRetrier_Do_ContextCanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	result := New(Immediate(3, nil)).Do(ctx, func(ctx context.Context, attempt int) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, result.Err, ErrContextCanceled)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestRetrier_Do_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	cfg := &Config{MaxRetries: 3, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1}
	result := New(cfg).Do(ctx, func(ctx context.Context, attempt int) error {
		return errBusy
	})

	assert.ErrorIs(t, result.Err, ErrContextCanceled)
	assert.Equal(t, 1, result.Attempts)
}

func TestRetrier_DoWithCallback(t *testing.T) {
	var calls []int
	cfg := &Config{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}

	result := New(cfg).DoWithCallback(context.Background(), func(ctx context.Context, attempt int) error {
		return errBusy
	}, func(attempt int, err error, next time.Duration) {
		calls = append(calls, attempt)
		assert.ErrorIs(t, err, errBusy)
		assert.Greater(t, next, time.Duration(0))
	})

	assert.Error(t, result.Err)
	assert.Equal(t, []int{1, 2}, calls)
	assert.Equal(t, 3, result.Attempts)
}

func TestRetrier_Interval(t *testing.T) {
	r := New(&Config{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2})

	assert.Equal(t, 100*time.Millisecond, r.interval(0))
	assert.Equal(t, 200*time.Millisecond, r.interval(1))
	assert.Equal(t, 400*time.Millisecond, r.interval(2))
	assert.Equal(t, time.Second, r.interval(10))

	assert.Equal(t, time.Duration(0), New(Immediate(1, nil)).interval(3))
}
