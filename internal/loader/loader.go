// Package loader retries deferred loads with bounded exponential backoff.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config bounds a load.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConfig returns three attempts with a 200ms base delay.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

// LoadError is returned once every attempt has failed.
type LoadError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// doubling waits 2^n × base before retry n (0-based).
type doubling struct {
	base time.Duration
	n    int
}

func (d *doubling) NextBackOff() time.Duration {
	wait := d.base << d.n
	d.n++
	return wait
}

func (d *doubling) Reset() {
	d.n = 0
}

// Load calls fn until it succeeds, returns a permanent error, ctx is done,
// or cfg.MaxAttempts calls have been made. Intermediate failures are never
// returned; the final one is wrapped in a *LoadError.
func Load[T any](ctx context.Context, op string, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}

	attempts := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(&doubling{base: cfg.BaseDelay}, uint64(cfg.MaxAttempts-1)),
		ctx,
	)
	v, err := backoff.RetryWithData(func() (T, error) {
		attempts++
		return fn(ctx)
	}, b)
	if err == nil {
		return v, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var zero T
	return zero, &LoadError{Op: op, Attempts: attempts, Err: err}
}
