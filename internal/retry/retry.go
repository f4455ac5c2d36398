// Package retry wraps operations with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Defaults applied by New when a field is zero.
const (
	DefaultMaxRetries = 3
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 60 * time.Second
)

// cryptoFloat64 returns a uniform float64 in [0, 1) using crypto/rand.
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.LittleEndian.Uint64(b[:])>>11) / (1 << 53)
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TooManyRetriesError is returned when every attempt failed. It unwraps to
// the last failure so callers can still match the underlying cause.
type TooManyRetriesError struct {
	Attempts int
	Err      error
}

func (e *TooManyRetriesError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TooManyRetriesError) Unwrap() error { return e.Err }

// Manager retries an operation up to MaxRetries extra times.
type Manager struct {
	MaxRetries int
	// Multiplier is the backoff base in seconds: attempt n waits
	// min(Multiplier^n, MaxDelay) seconds before jitter.
	Multiplier float64
	// Jitter scales each delay by a uniform factor in [0.5, 1.0].
	Jitter   bool
	MaxDelay time.Duration

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// New returns a Manager with jitter enabled and defaults for zero values.
func New(maxRetries int, multiplier float64) *Manager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	return &Manager{
		MaxRetries: maxRetries,
		Multiplier: multiplier,
		Jitter:     true,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay returns the unjittered wait before retry number attempt (0-based).
func (m *Manager) Delay(attempt int) time.Duration {
	maxDelay := m.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	secs := math.Pow(m.Multiplier, float64(attempt))
	if math.IsInf(secs, 0) || math.IsNaN(secs) || secs*float64(time.Second) >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(secs * float64(time.Second))
}

func (m *Manager) jittered(attempt int) time.Duration {
	d := m.Delay(attempt)
	if !m.Jitter {
		return d
	}
	r := cryptoFloat64
	if m.rand != nil {
		r = m.rand
	}
	return time.Duration(float64(d) * (0.5 + 0.5*r()))
}

// Do calls fn until it succeeds, returns a permanent error, ctx ends, or
// MaxRetries+1 calls have failed. It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (the wrapped error is returned as-is)
//   - ctx is cancelled during a backoff sleep
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := m.MaxRetries + 1
	if attempts <= 0 {
		attempts = 1
	}

	sleep := sleepCtx
	if m.sleep != nil {
		sleep = m.sleep
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == attempts-1 {
			break
		}

		d := m.jittered(attempt)
		if m.OnRetry != nil {
			m.OnRetry(attempt+1, d, err)
		}
		if serr := sleep(ctx, d); serr != nil {
			return serr
		}
	}

	return &TooManyRetriesError{Attempts: attempts, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay and +-25% jitter. It is the lightweight form used for internal
// RPC calls where the caller wants the last error rather than a
// TooManyRetriesError.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(float64(2*jitter)*cryptoFloat64())

		if serr := sleepCtx(ctx, sleep); serr != nil {
			return serr
		}

		delay *= 2
	}

	return err
}
