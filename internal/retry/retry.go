package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is returned by transport layers when a remote endpoint answers
// with a non-success HTTP status, so callers branch on the code instead of
// matching error text.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d", e.Status)
}

// IsTransient reports whether an error is worth retrying: rate limiting,
// server-side hiccups, timeouts and dropped connections. Application faults
// and client-side mistakes are permanent.
func IsTransient(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		switch status.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Config bounds the retry loop. RandomFactor zero gives fully deterministic
// delays.
type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	Multiplier   float64
	RandomFactor float64
}

func (c Config) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BaseDelay
	if c.BaseDelay <= 0 {
		bo.InitialInterval = 500 * time.Millisecond
	}
	bo.Multiplier = c.Multiplier
	if c.Multiplier <= 0 {
		bo.Multiplier = 2
	}
	bo.RandomizationFactor = c.RandomFactor
	bo.MaxElapsedTime = 0
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, fails permanently, or attempts run out.
// Transient failures back off exponentially; any other error propagates
// unchanged, as does the last transient error once attempts are exhausted.
// The wrapper never alters op's return value.
func Do[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, cfg.backOff(ctx))
}
