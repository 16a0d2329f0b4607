package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestDo_PermanentStops(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return Permanent(errTransient)
	})
	assert.Equal(t, errTransient, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetryableFilter(t *testing.T) {
	other := errors.New("fatal")
	cfg := fastConfig(5)
	cfg.Retryable = func(err error) bool { return errors.Is(err, errTransient) }

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return other
	})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(10)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func(context.Context) error { return errTransient })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, Delay(cfg, 0))
	assert.Equal(t, 400*time.Millisecond, Delay(cfg, 2))
	assert.Equal(t, time.Second, Delay(cfg, 10), "capped")

	cfg.Jitter = true
	for i := 0; i < 50; i++ {
		d := Delay(cfg, 1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(Config{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}
