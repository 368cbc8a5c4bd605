package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflows/errors"
)

func fast(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fast(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.WrapTransient(errors.ErrNotConnected, "test", "op", "dial")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	cause := stderrors.New("connection refused")
	err := Do(context.Background(), fast(4), func() error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, 4, attempts)
}

func TestDoStopsOnInvalidAndFatal(t *testing.T) {
	for name, failure := range map[string]error{
		"invalid": errors.WrapInvalid(errors.ErrInvalidConfig, "test", "op", "parse"),
		"fatal":   errors.WrapFatal(errors.ErrDataCorrupted, "test", "op", "decode"),
	} {
		t.Run(name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), fast(5), func() error {
				attempts++
				return failure
			})
			assert.Equal(t, failure, err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second}

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func() error {
		attempts++
		return stderrors.New("timeout")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDoRejectsBadConfig(t *testing.T) {
	tests := map[string]Config{
		"negative delay":    {InitialDelay: -1},
		"negative max":      {MaxDelay: -1},
		"negative factor":   {Multiplier: -1},
		"max below initial": {InitialDelay: time.Second, MaxDelay: time.Millisecond},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			called := false
			err := Do(context.Background(), cfg, func() error {
				called = true
				return nil
			})
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.False(t, called)
		})
	}
}

func TestDoRunsOnceWithZeroAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), fast(3), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", stderrors.New("temporary")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestPresets(t *testing.T) {
	for _, cfg := range []Config{DefaultConfig(), Quick()} {
		_, err := cfg.normalized()
		assert.NoError(t, err)
	}
}
