// Package command implements the remote command executor: a driver that
// runs one-shot commands and copies files over a transport session.
//
// Two kinds exist.  SSHDriver multiplexes over an OpenSSH master
// connection and is preferred; NativeSSHDriver uses the in-process SSH
// client and serves the same capabilities at a lower priority.
package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"dutctl/internal/capability"
	"dutctl/internal/driver"
	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
	"dutctl/internal/proc"
	"dutctl/internal/transport"
	"dutctl/util"
)

// Driver kinds and their capability priorities.
const (
	KindSSH       = "SSHDriver"
	KindNativeSSH = "NativeSSHDriver"

	PrioritySSH       = 10
	PriorityNativeSSH = 5
)

// DefaultCheckTimeout bounds RunCheck, WaitFor and PollUntilSuccess
// commands when the caller passes no timeout.
const DefaultCheckTimeout = 30 * time.Second

// Register declares both command driver kinds in r.
func Register(r *capability.Registry) {
	for _, c := range []capability.Name{capability.Command, capability.FileTransfer} {
		r.Register(c, KindSSH, PrioritySSH)
		r.Register(c, KindNativeSSH, PriorityNativeSSH)
	}
}

// Options tune output handling.
type Options struct {
	StderrMerge  bool   // deliver stderr inside stdout
	Codec        string // WHATWG label, default "utf-8"
	DecodeErrors string // strict, replace or ignore
}

// Driver runs commands on one host.
type Driver struct {
	*driver.Machine

	session transport.Session
	opts    Options
	decoder *Decoder
	logger  *util.Logger
	metrics *metrics.Collector
}

// NewSSH returns an SSHDriver for cfg.Service.
func NewSSH(name string, cfg transport.OpenSSHConfig, opts Options, logger *util.Logger, m *metrics.Collector) (*Driver, error) {
	return New(KindSSH, name, transport.NewOpenSSH(cfg, logger, m), opts, logger, m)
}

// NewNativeSSH returns a NativeSSHDriver for cfg.Service.
func NewNativeSSH(name string, cfg *transport.NativeConfig, opts Options, logger *util.Logger, m *metrics.Collector) (*Driver, error) {
	return New(KindNativeSSH, name, transport.NewNative(cfg, logger, m), opts, logger, m)
}

// New wraps an arbitrary session.
func New(kind, name string, session transport.Session, opts Options, logger *util.Logger, m *metrics.Collector) (*Driver, error) {
	dec, err := NewDecoder(opts.Codec, opts.DecodeErrors)
	if err != nil {
		return nil, err
	}
	d := &Driver{session: session, opts: opts, decoder: dec, metrics: m}
	d.Machine = driver.NewMachine(kind, name, d)
	d.logger = logger.With(d.Name())
	return d, nil
}

// Session returns the underlying transport.
func (d *Driver) Session() transport.Session { return d.session }

// OnActivate opens the session.
func (d *Driver) OnActivate(ctx context.Context) error {
	d.logger.Verbose("activating session to %s", d.session)
	return d.session.Activate(ctx)
}

// OnDeactivate closes the session.
func (d *Driver) OnDeactivate() error {
	d.logger.Verbose("deactivating session to %s", d.session)
	return d.session.Deactivate()
}

// ── Command capability ───────────────────────────────────────────────

// Run executes command, split on whitespace, on the host.  A non-zero
// exit is returned in Output.ExitCode.  With timeout > 0 an expired
// bound kills the client and returns a TimeoutError.
func (d *Driver) Run(ctx context.Context, command string, timeout time.Duration) (*capability.Output, error) {
	if err := d.Guard("run"); err != nil {
		return nil, err
	}
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, ncerr.Spawn(args, errors.New("empty command"))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := d.session.Exec(ctx, args, transport.ExecOptions{MergeStderr: d.opts.StderrMerge})
	if err != nil {
		if timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			err = &ncerr.TimeoutError{Op: "run", Where: d.session.String(), Args: args, Timeout: timeout}
		}
		d.metrics.RecordError(err.Error())
		return nil, err
	}
	d.metrics.CommandRun()

	stdout, err := d.decoder.Decode(res.Stdout)
	if err != nil {
		return nil, err
	}
	stderr, err := d.decoder.Decode(res.Stderr)
	if err != nil {
		return nil, err
	}
	out := &capability.Output{
		Stdout:   proc.SplitLines(stdout),
		Stderr:   proc.SplitLines(stderr),
		ExitCode: res.ExitCode,
	}
	d.logger.Debug("%q exited %d", command, out.ExitCode)
	return out, nil
}

// RunCheck runs command and returns its stdout lines, or an
// ExecutionError carrying both streams when the exit code is non-zero.
func (d *Driver) RunCheck(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	if timeout == 0 {
		timeout = DefaultCheckTimeout
	}
	out, err := d.Run(ctx, command, timeout)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, ncerr.Exec(strings.Fields(command), out.ExitCode, out.Stdout, out.Stderr)
	}
	return out.Stdout, nil
}

// GetStatus reports true once the driver is active.  No probe is run;
// a dead channel surfaces as TransportLostError on the next command.
func (d *Driver) GetStatus() bool {
	return d.State() == driver.StateActive
}

// ── File transfer capability ─────────────────────────────────────────

// Put copies localPath to remotePath on the host.
func (d *Driver) Put(ctx context.Context, localPath, remotePath string) error {
	if err := d.Guard("put"); err != nil {
		return err
	}
	d.logger.Verbose("put %s -> %s", localPath, remotePath)
	if err := d.session.Put(ctx, localPath, remotePath); err != nil {
		d.metrics.RecordError(err.Error())
		return err
	}
	return nil
}

// Get copies remotePath on the host to localPath.
func (d *Driver) Get(ctx context.Context, remotePath, localPath string) error {
	if err := d.Guard("get"); err != nil {
		return err
	}
	d.logger.Verbose("get %s -> %s", remotePath, localPath)
	if err := d.session.Get(ctx, remotePath, localPath); err != nil {
		d.metrics.RecordError(err.Error())
		return err
	}
	return nil
}
