package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// ErrRetriesExhausted is wrapped into the error returned once every attempt failed
var ErrRetriesExhausted = errors.New("retry: attempts exhausted")

// Config defines the backoff-retry behaviour
type Config struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// InitialInterval is the delay before the first retry
	InitialInterval time.Duration
	// MaxInterval caps the delay between retries
	MaxInterval time.Duration
	// Multiplier is the factor by which the delay grows
	Multiplier float64
	// RandomizationFactor spreads each delay by +/- this fraction (0.0-1.0)
	RandomizationFactor float64
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.3,
	}
}

// nextBackoff calculates the delay before retry number retry+1
func (c *Config) nextBackoff(retry int) time.Duration {
	if retry >= c.MaxRetries {
		return 0
	}

	backoff := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(retry))
	if backoff > float64(c.MaxInterval) {
		backoff = float64(c.MaxInterval)
	}

	delta := c.RandomizationFactor * backoff
	lo := backoff - delta
	hi := backoff + delta
	backoff = lo + (rand.Float64() * (hi - lo)) //nolint:gosec

	return time.Duration(backoff)
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func() error

// IsRetryable decides whether an error should be retried
type IsRetryable func(error) bool

// Callbacks hook metrics and logging into the retry loop
type Callbacks struct {
	OnRetryAttempt func(attempt int, err error, nextBackoff time.Duration)
	OnRetrySuccess func(attempt int)
	OnRetryFailure func(attempt int, err error)
}

// Do executes fn with retries based on cfg
func Do(ctx context.Context, fn RetryableFunc, isRetryable IsRetryable, cfg Config) error {
	return DoWithCallbacks(ctx, fn, isRetryable, cfg, Callbacks{})
}

// DoWithCallbacks executes fn with retries and callbacks.
// Non-retryable errors are returned unwrapped so callers can still match them with errors.As.
func DoWithCallbacks(ctx context.Context, fn RetryableFunc, isRetryable IsRetryable, cfg Config, callbacks Callbacks) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 && callbacks.OnRetrySuccess != nil {
				callbacks.OnRetrySuccess(attempt)
			}
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt == cfg.MaxRetries {
			if callbacks.OnRetryFailure != nil {
				callbacks.OnRetryFailure(attempt, err)
			}
			break
		}

		backoffTime := cfg.nextBackoff(attempt)
		if callbacks.OnRetryAttempt != nil {
			callbacks.OnRetryAttempt(attempt+1, err, backoffTime)
		}

		timer := time.NewTimer(backoffTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, cfg.MaxRetries, lastErr)
}

// IsNetworkError reports transient network failures: timeouts, refused or reset connections
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
