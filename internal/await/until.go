// Package await turns asynchronous cluster state into blocking waits.
package await

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// ConditionFunc reports whether the awaited state has been reached. A
// non-nil error counts as "not yet" unless it is wrapped with Permanent.
type ConditionFunc func(ctx context.Context) (bool, error)

// TimeoutError is returned when a condition did not hold within its timeout.
type TimeoutError struct {
	Description string
	Elapsed     time.Duration
	Polls       int
	// LastErr is the error of the last failed poll, if any
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out waiting for %s after %s (%d polls)", e.Description, e.Elapsed.Round(time.Millisecond), e.Polls)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as final: the wait stops and returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Until polls condition immediately and then every interval until it holds.
// It gives up once timeout has elapsed and at least ceil(timeout/interval)
// polls were made. The last sleep is shortened to the remaining time.
func Until(ctx context.Context, clk clock.Clock, description string, timeout, interval time.Duration, condition ConditionFunc) error {
	if interval <= 0 {
		return fmt.Errorf("await %s: interval must be positive", description)
	}

	minPolls := int((timeout + interval - 1) / interval)
	start := clk.Now()
	polls := 0

	var lastErr error
	for {
		done, err := condition(ctx)
		polls++

		if err != nil {
			var permanent *permanentError
			if errors.As(err, &permanent) {
				return permanent.err
			}
			lastErr = err
		} else if done {
			return nil
		}

		elapsed := clk.Since(start)
		if elapsed >= timeout && polls >= minPolls {
			return &TimeoutError{
				Description: description,
				Elapsed:     elapsed,
				Polls:       polls,
				LastErr:     lastErr,
			}
		}

		wait := interval
		if remaining := timeout - elapsed; remaining > 0 && remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(wait):
		}
	}
}
