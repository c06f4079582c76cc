// Package proc manages external tool processes: capture and replay
// tools, keepalive probes, master connections and one-shot commands.
//
// A Process is reaped by a single background goroutine as soon as it
// exits, so every wait below is a select on that event and never races
// with another waiter.  Timeouts are wait bounds only; escalation to a
// termination signal is the caller's (or [Process.Stop]'s) decision.
package proc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
)

// Poll as a wait bound checks for exit without blocking.
const Poll time.Duration = -1

// Spec describes one spawn.
type Spec struct {
	Args []string

	// Env holds variables added to the inherited environment of this
	// spawn only.  The dutctl process environment is never modified.
	Env map[string]string

	// Stdin/Stdout/Stderr are wired directly; nil means /dev/null.
	// An *os.File is handed to the child without a copy goroutine.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	PipeStdin     bool // expose Process.Stdin
	PipeStdout    bool // expose Process.Stdout for live consumers
	CaptureStderr bool // keep stderr for diagnostics (overrides Stderr)
	MergeStderr   bool // send stderr into the stdout stream

	// Where names the host or interface the process acts on; it is
	// used in timeout reports.
	Where string

	// ID is the handle of the new process.  A zero ID gets a fresh one.
	ID uuid.UUID
}

// Process is one running (or exited) external process.
type Process struct {
	ID   uuid.UUID
	Args []string

	// Stdin is non-nil when Spec.PipeStdin was set.
	Stdin io.WriteCloser
	// Stdout is non-nil when Spec.PipeStdout was set.  It is closed
	// once the process has been stopped.
	Stdout io.ReadCloser

	cmd     *exec.Cmd
	where   string
	stderr  *bytes.Buffer
	done    chan struct{}
	closeMu sync.Once
}

// Start launches spec and begins reaping it in the background.
func Start(spec Spec, m *metrics.Collector) (*Process, error) {
	if len(spec.Args) == 0 {
		return nil, ncerr.Spawn(nil, fmt.Errorf("empty command"))
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	if spec.Env != nil {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	if spec.ID == uuid.Nil {
		spec.ID = uuid.New()
	}
	p := &Process{
		ID:    spec.ID,
		Args:  spec.Args,
		cmd:   cmd,
		where: spec.Where,
		done:  make(chan struct{}),
	}
	if p.where == "" {
		p.where = "localhost"
	}

	if spec.CaptureStderr {
		p.stderr = &bytes.Buffer{}
		cmd.Stderr = p.stderr
	}

	var err error
	if spec.PipeStdin {
		if p.Stdin, err = cmd.StdinPipe(); err != nil {
			return nil, ncerr.Spawn(spec.Args, err)
		}
	}

	// A plain os.Pipe keeps the read end open after Wait so a live
	// consumer can drain what the process wrote before exiting.
	var stdoutW *os.File
	if spec.PipeStdout {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, ncerr.Spawn(spec.Args, err)
		}
		cmd.Stdout = w
		p.Stdout = r
		stdoutW = w
	}
	if spec.MergeStderr {
		cmd.Stderr = cmd.Stdout
	}

	if err := cmd.Start(); err != nil {
		if stdoutW != nil {
			stdoutW.Close()
			p.Stdout.Close()
		}
		return nil, ncerr.Spawn(spec.Args, err)
	}
	if stdoutW != nil {
		stdoutW.Close()
	}
	m.ProcessStarted()

	go func() {
		cmd.Wait() //nolint:errcheck // status is read from ProcessState
		m.ProcessExited()
		close(p.done)
	}()

	return p, nil
}

// String returns the command line.
func (p *Process) String() string { return strings.Join(p.Args, " ") }

// Pid returns the operating system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while running or when the
// process was killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stderr returns the captured stderr lines.  Only valid after exit.
func (p *Process) Stderr() []string {
	if p.stderr == nil || !p.Exited() {
		return nil
	}
	return SplitLines(p.stderr.String())
}

// Wait blocks until the process exits or timeout elapses.  A zero
// timeout waits forever; [Poll] does not block at all.
func (p *Process) Wait(timeout time.Duration) error {
	switch {
	case timeout == 0:
		<-p.done
		return nil
	case timeout < 0:
		if p.Exited() {
			return nil
		}
		return p.timeoutErr(timeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return p.timeoutErr(timeout)
	}
}

// WaitContext blocks until the process exits or ctx is done, in which
// case ctx.Err() is returned and the process keeps running.
func (p *Process) WaitContext(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits up to timeout for the process to exit.  On expiry it
// sends a termination signal, waits again without bound, and returns
// the original timeout error.
func (p *Process) Stop(timeout time.Duration) error {
	defer p.closeStdout()

	if err := p.Wait(timeout); err != nil {
		p.Terminate() //nolint:errcheck
		<-p.done
		return err
	}
	return nil
}

// Close ends a process that reads its stdin until EOF: stdin is closed,
// the process gets timeout to exit, then it is killed.
func (p *Process) Close(timeout time.Duration) error {
	if p.Stdin != nil {
		p.Stdin.Close()
	}
	if err := p.Wait(timeout); err != nil {
		p.Kill() //nolint:errcheck
		<-p.done
		return err
	}
	return nil
}

// Check returns an ExecutionError when the process exited non-zero.
func (p *Process) Check() error {
	<-p.done
	if code := p.ExitCode(); code != 0 {
		return ncerr.Exec(p.Args, code, nil, p.Stderr())
	}
	return nil
}

// Kill forcefully ends the process.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *Process) closeStdout() {
	p.closeMu.Do(func() {
		if p.Stdout != nil {
			p.Stdout.Close()
		}
	})
}

func (p *Process) timeoutErr(bound time.Duration) error {
	if bound < 0 {
		bound = 0
	}
	return &ncerr.TimeoutError{Op: "wait", Where: p.where, Args: p.Args, Timeout: bound}
}

// ── One-shot commands ────────────────────────────────────────────────

// Result is the outcome of a completed one-shot command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output runs spec to completion and returns its captured streams.  A
// non-zero exit is reported in Result, not as an error.  When ctx ends
// first the process is killed and an ExecutionError naming spec.Args
// and wrapping ctx.Err() is returned.
func Output(ctx context.Context, spec Spec, m *metrics.Collector) (*Result, error) {
	var stdout, stderr bytes.Buffer
	spec.Stdout = &stdout
	if spec.Stderr == nil {
		spec.Stderr = &stderr
	}
	spec.PipeStdout = false
	spec.CaptureStderr = false

	if err := ctx.Err(); err != nil {
		return nil, ncerr.Interrupted(spec.Args, err)
	}
	p, err := Start(spec, m)
	if err != nil {
		return nil, err
	}
	if err := p.WaitContext(ctx); err != nil {
		p.Kill() //nolint:errcheck
		<-p.done
		return nil, ncerr.Interrupted(spec.Args, err)
	}
	return &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: p.ExitCode(),
	}, nil
}

// CheckOutput runs spec and returns stdout, or an ExecutionError when
// the command exits non-zero.
func CheckOutput(ctx context.Context, spec Spec, m *metrics.Collector) ([]byte, error) {
	res, err := Output(ctx, spec, m)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, ncerr.Exec(spec.Args, res.ExitCode,
			SplitLines(string(res.Stdout)), SplitLines(string(res.Stderr)))
	}
	return res.Stdout, nil
}

// SplitLines splits s on newlines, dropping the empty element a
// trailing newline would produce.
func SplitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
