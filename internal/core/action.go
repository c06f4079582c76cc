// Package core is the orchestration layer.  It composes drivers into a
// target and provides a builder that turns a Config into that target
// plus the action to run against it.
//
// Architecture layers (bottom → top):
//
//	proc/transport  →  driver  →  target  →  core  →  cmd (CLI)
package core

import (
	"context"
	"fmt"
	"io"
	"os"

	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
	"dutctl/internal/target"
	"dutctl/util"
)

// Action is one CLI operation.  It runs against an already active
// target and does not manage its lifecycle.
type Action interface {
	Run(ctx context.Context) error
}

// ExitError carries the exit status of a remote command to the CLI.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// Plan is a built target and the action to run against it.
type Plan struct {
	Target  *target.Target
	Action  Action
	Metrics *metrics.Collector
	Logger  *util.Logger
}

// Run activates the target, runs the action and deactivates the target
// again on every path out.  Deactivation failures are joined with the
// action's error.
func (p *Plan) Run(ctx context.Context) (err error) {
	if err := p.Target.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", p.Target.Name(), err)
	}
	defer func() {
		if derr := p.Target.Deactivate(); derr != nil {
			err = ncerr.Join(err, fmt.Errorf("deactivate %s: %w", p.Target.Name(), derr))
		}
		if p.Logger != nil {
			p.Logger.Debug("metrics: %s", p.Metrics.JSON())
		}
	}()
	return p.Action.Run(ctx)
}

// ── output helpers ───────────────────────────────────────────────────

// streams holds the writers an action prints to.  Nil writers default
// to os.Stdout and os.Stderr; tests override them.
type streams struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s streams) stdout() io.Writer {
	if s.Stdout != nil {
		return s.Stdout
	}
	return os.Stdout
}

func (s streams) stderr() io.Writer {
	if s.Stderr != nil {
		return s.Stderr
	}
	return os.Stderr
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
