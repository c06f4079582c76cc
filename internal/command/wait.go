package command

import (
	"context"
	"errors"
	"strings"
	"time"

	ncerr "dutctl/internal/errors"
	"dutctl/internal/retry"
)

// WaitFor re-runs command until one of its stdout lines contains
// pattern.  A failing command aborts the wait; an expired timeout
// (default 30s) returns a TimeoutError.
func (d *Driver) WaitFor(ctx context.Context, command, pattern string, timeout, interval time.Duration) error {
	if err := d.Guard("wait_for"); err != nil {
		return err
	}
	if timeout == 0 {
		timeout = DefaultCheckTimeout
	}

	poller := retry.Poller{Interval: interval, Timeout: timeout}
	err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
		lines, err := d.RunCheck(ctx, command, 0)
		if err != nil {
			return false, err
		}
		for _, l := range lines {
			if strings.Contains(l, pattern) {
				return true, nil
			}
		}
		return false, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return &ncerr.TimeoutError{
			Op: "wait_for", Where: d.session.String(),
			Args: strings.Fields(command), Timeout: timeout,
		}
	}
	return err
}

// PollUntilSuccess re-runs command until it exits with expected.  It
// reports false once tries (0 = unlimited) or timeout (default 30s) is
// spent.  Only spawn failures and transport loss are errors.
func (d *Driver) PollUntilSuccess(ctx context.Context, command string, expected, tries int, timeout, interval time.Duration) (bool, error) {
	if err := d.Guard("poll_until_success"); err != nil {
		return false, err
	}
	if timeout == 0 {
		timeout = DefaultCheckTimeout
	}

	poller := retry.Poller{Interval: interval, Timeout: timeout, MaxTries: tries}
	err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
		out, err := d.Run(ctx, command, 0)
		if err != nil {
			return false, err
		}
		return out.ExitCode == expected, nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, retry.ErrExhausted):
		return false, nil
	}
	return false, err
}
