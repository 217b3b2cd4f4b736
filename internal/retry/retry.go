// Package retry runs operations under an exponential backoff policy with an
// injectable sleeper, so pacing and backoff can be tested without real waits.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on the wall clock.
type TimerSleeper struct{}

// Sleep blocks for d unless ctx is cancelled first.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. Waits start at InitialDelay and grow by Multiplier.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultPolicy is three attempts starting at one second and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     time.Minute,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Hour
	}
	// Attempts bound the loop, not elapsed time.
	b.MaxElapsedTime = 0

	// WithMaxRetries treats zero as unlimited.
	if p.MaxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Notify is called before each wait with the failed attempt number (1-based),
// the error and the upcoming delay.
type Notify func(attempt int, err error, delay time.Duration)

// Do runs op until it succeeds, returns an error retryable rejects, or the
// policy runs out of attempts. Non-retryable errors are returned unchanged.
func Do(ctx context.Context, p Policy, s Sleeper, retryable func(error) bool, notify Notify, op func(context.Context) error) error {
	b := p.backOff()
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
		if notify != nil {
			notify(attempt, err, delay)
		}
		if err := s.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry wait interrupted: %w", err)
		}
	}
}
