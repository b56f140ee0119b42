// Package retry is the bounded retry policy shared by every outbound upload
// and API call, plus the transient/permanent error taxonomy it acts on.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is a fixed-delay retry budget.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy is three attempts one second apart.
func DefaultPolicy() Policy { return Policy{Attempts: 3, Delay: time.Second} }

func (p Policy) normalize() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Do runs op until it succeeds, returns a permanent error, or the policy's
// attempts are used up. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.normalize()
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && Classify(err) == ClassPermanent {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("retrying after error", slog.Int("attempt", attempt), slog.Duration("next", next), slog.Any("err", err))
		}),
	)
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Unwrap()
	}
	return res, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
