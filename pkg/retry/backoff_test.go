package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func always(error) bool { return true }

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	var attempts []int
	var succeededAt int

	err := DoWithCallbacks(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, always, fastConfig(), Callbacks{
		OnRetryAttempt: func(attempt int, err error, next time.Duration) {
			attempts = append(attempts, attempt)
		},
		OnRetrySuccess: func(attempt int) { succeededAt = attempt },
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 2, succeededAt)
}

func TestDo_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	failed := false

	err := DoWithCallbacks(context.Background(), func() error {
		calls++
		return boom
	}, always, fastConfig(), Callbacks{
		OnRetryFailure: func(int, error) { failed = true },
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
	assert.True(t, failed)
}

func TestDo_NonRetryable(t *testing.T) {
	boom := errors.New("permanent")
	calls := 0

	err := Do(context.Background(), func() error {
		calls++
		return boom
	}, func(error) bool { return false }, fastConfig())

	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig()
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour

	err := Do(ctx, func() error { return errors.New("transient") }, always, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextBackoff(t *testing.T) {
	cfg := Config{
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     300 * time.Millisecond,
		Multiplier:      2,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.nextBackoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.nextBackoff(1))
	assert.Equal(t, 300*time.Millisecond, cfg.nextBackoff(2), "capped at MaxInterval")
	assert.Equal(t, time.Duration(0), cfg.nextBackoff(5))

	cfg.RandomizationFactor = 0.5
	for i := 0; i < 20; i++ {
		d := cfg.nextBackoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(errors.New("status 400")))
	assert.True(t, IsNetworkError(timeoutErr{}))
	assert.True(t, IsNetworkError(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, IsNetworkError(&net.OpError{Op: "read", Err: syscall.ECONNRESET}))
}
