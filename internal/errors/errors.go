// Package errors provides domain-specific error types for dutctl.
//
// These types carry structured context (driver, command line, host or
// interface, timeout bound) so that every failure can be reproduced from
// its message alone, and so callers can branch on the failure class with
// errors.As instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrTimeout       = errors.New("operation timed out")
	ErrNotActive     = errors.New("driver is not active")
	ErrNotBound      = errors.New("driver is not bound")
	ErrTransportLost = errors.New("transport lost")
	ErrAuthFailed    = errors.New("authentication failed")
)

// ── Structured error types ───────────────────────────────────────────

// ResolutionError reports that no bound driver satisfies a capability.
type ResolutionError struct {
	Target     string
	Capability string
	Reason     string // optional detail, e.g. a type mismatch
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("target %q: no driver provides %s", e.Target, e.Capability)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// InactiveDriverError reports an operation invoked outside the ACTIVE
// state.
type InactiveDriverError struct {
	Driver string
	Op     string
	State  string
}

func (e *InactiveDriverError) Error() string {
	return fmt.Sprintf("%s: %s called in state %s", e.Driver, e.Op, e.State)
}

func (e *InactiveDriverError) Is(target error) bool { return target == ErrNotActive }

// ConnectionError represents a failure to establish a transport.
type ConnectionError struct {
	Host string
	Port int
	Args []string // command line of the connection process, if any
	Err  error
}

func (e *ConnectionError) Error() string {
	s := fmt.Sprintf("connect %s:%d: %v", e.Host, e.Port, e.Err)
	if len(e.Args) > 0 {
		s += fmt.Sprintf(" (command: %s)", strings.Join(e.Args, " "))
	}
	return s
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportLostError reports that the keepalive probe of a session has
// exited, so the channel is considered dead.
type TransportLostError struct {
	Host string
	Op   string
}

func (e *TransportLostError) Error() string {
	return fmt.Sprintf("%s on %s: keepalive no longer running", e.Op, e.Host)
}

func (e *TransportLostError) Is(target error) bool { return target == ErrTransportLost }

// ExecutionError represents a spawned tool that could not be started or
// exited non-zero.
type ExecutionError struct {
	Args     []string
	ExitCode int // -1 when the process never ran
	Stdout   []string
	Stderr   []string
	Err      error
}

func (e *ExecutionError) Error() string {
	s := fmt.Sprintf("error executing command: %s", strings.Join(e.Args, " "))
	switch {
	case e.Err != nil:
		s += fmt.Sprintf(": %v", e.Err)
	case e.ExitCode >= 0:
		s += fmt.Sprintf(": exit status %d", e.ExitCode)
	}
	if len(e.Stderr) > 0 {
		s += "\n  stderr: " + strings.Join(e.Stderr, "\n  stderr: ")
	}
	return s
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// InvariantViolation reports a programming error such as overlapping
// record starts or an untracked process handle.  It is never retriable.
type InvariantViolation struct {
	Op      string
	Message string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Message)
}

// TimeoutError reports an expired wait bound.
type TimeoutError struct {
	Op      string
	Where   string // host or interface involved
	Args    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	s := fmt.Sprintf("%s on %s: timed out after %v", e.Op, e.Where, e.Timeout)
	if len(e.Args) > 0 {
		s += fmt.Sprintf(" (command: %s)", strings.Join(e.Args, " "))
	}
	return s
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// SSHError represents a native SSH failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "session"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Exec creates an ExecutionError for a process that exited with code.
func Exec(args []string, code int, stdout, stderr []string) *ExecutionError {
	return &ExecutionError{Args: args, ExitCode: code, Stdout: stdout, Stderr: stderr}
}

// Spawn creates an ExecutionError for a process that never started.
func Spawn(args []string, err error) *ExecutionError {
	return &ExecutionError{Args: args, ExitCode: -1, Err: err}
}

// Interrupted creates an ExecutionError for a process cut short because
// its context ended.  err is the context's error.
func Interrupted(args []string, err error) *ExecutionError {
	return &ExecutionError{Args: args, ExitCode: -1, Err: err}
}

// Invariant creates an InvariantViolation.
func Invariant(op, format string, args ...interface{}) *InvariantViolation {
	return &InvariantViolation{Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsTimeout reports whether err is an expired wait bound.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsInvariant reports whether err is a programming error.
func IsInvariant(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use dutctl/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
