// Package retry provides condition polling for state that settles over
// time (interface operstate, command output).  It never retries failed
// operations: an error from the condition aborts the poll at once.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when the poll budget (timeout or tries) ran
// out before the condition held.
var ErrExhausted = errors.New("condition not met")

var errNotYet = errors.New("not yet")

// DefaultInterval is the pause between two evaluations.
const DefaultInterval = time.Second

// Condition reports whether the awaited state has been reached.  A
// non-nil error stops polling and is returned unchanged.
type Condition func(ctx context.Context) (bool, error)

// Poller evaluates a Condition at a constant interval.
type Poller struct {
	// Interval between evaluations (default 1s).
	Interval time.Duration
	// Timeout bounds the whole poll.  Zero means only ctx bounds it.
	Timeout time.Duration
	// MaxTries caps the number of evaluations.  Zero means unlimited.
	MaxTries int
}

// Until evaluates cond until it holds, fails, or the budget is spent.
// The condition always runs at least once.
func (p Poller) Until(ctx context.Context, cond Condition) error {
	parent := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	if p.MaxTries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxTries-1))
	}

	op := func() error {
		ok, err := cond(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return nil
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, errNotYet), errors.Is(err, context.DeadlineExceeded):
		return ErrExhausted
	}
	return err
}
