package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"dutctl/internal/capability"
	"dutctl/internal/proc"
	"dutctl/internal/target"
)

// ── Command actions ──────────────────────────────────────────────────

// StatusAction prints every driver's state and whether the command
// capability is usable.
type StatusAction struct {
	Target *target.Target
	streams
}

func (a *StatusAction) Run(_ context.Context) error {
	out := a.stdout()
	fmt.Fprintf(out, "target %s\n", a.Target.Name())
	for _, d := range a.Target.Drivers() {
		fmt.Fprintf(out, "  %-40s %s\n", d.Name(), d.State())
	}
	runner, err := target.Get[capability.CommandRunner](a.Target, capability.Command)
	if err != nil {
		return err
	}
	if !runner.GetStatus() {
		return fmt.Errorf("%s: command capability not usable", a.Target.Name())
	}
	fmt.Fprintln(out, "  command: ok")
	return nil
}

// RunAction runs one command and mirrors its output.  A non-zero exit
// becomes an ExitError carrying the remote status.
type RunAction struct {
	Target  *target.Target
	Command string
	Timeout time.Duration // 0 = unbounded
	streams
}

func (a *RunAction) Run(ctx context.Context) error {
	runner, err := target.Get[capability.CommandRunner](a.Target, capability.Command)
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx, a.Command, a.Timeout)
	if err != nil {
		return err
	}
	printLines(a.stdout(), res.Stdout)
	printLines(a.stderr(), res.Stderr)
	if res.ExitCode != 0 {
		return &ExitError{Code: res.ExitCode}
	}
	return nil
}

// TransferAction copies one file to (Put) or from (Get) the target.
type TransferAction struct {
	Target *target.Target
	Put    bool
	Local  string
	Remote string
}

func (a *TransferAction) Run(ctx context.Context) error {
	tr, err := target.Get[capability.Transferer](a.Target, capability.FileTransfer)
	if err != nil {
		return err
	}
	if a.Put {
		return tr.Put(ctx, a.Local, a.Remote)
	}
	return tr.Get(ctx, a.Remote, a.Local)
}

// ── Interface actions ────────────────────────────────────────────────

// RecordAction captures traffic until the packet count or duration is
// reached.  Destination "-" streams the capture to Stdout; any other
// value is a local file, fetched from the interface's host if needed.
type RecordAction struct {
	Target      *target.Target
	Destination string
	Options     capability.RecordOptions
	streams
}

func (a *RecordAction) Run(ctx context.Context) error {
	ic, err := target.Get[capability.InterfaceController](a.Target, capability.NetworkInterface)
	if err != nil {
		return err
	}
	if a.Destination != "-" {
		p, err := ic.StartRecord(ctx, a.Destination, a.Options)
		if err != nil {
			return err
		}
		if err := ic.StopRecord(0); err != nil {
			return err
		}
		return ic.GetRecord(ctx, p, "")
	}

	p, err := ic.StartRecord(ctx, "", a.Options)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { p.Terminate() }) //nolint:errcheck
	defer stop()
	_, cerr := io.Copy(a.stdout(), p.Stdout)
	if ctx.Err() != nil {
		ic.StopRecord(proc.Poll) //nolint:errcheck
		return ctx.Err()
	}
	if err := ic.StopRecord(0); err != nil {
		return err
	}
	if cerr != nil {
		return fmt.Errorf("record stream: %w", cerr)
	}
	return nil
}

// ReplayAction replays a capture file and waits for it to finish.
type ReplayAction struct {
	Target *target.Target
	Source string
}

func (a *ReplayAction) Run(ctx context.Context) error {
	ic, err := target.Get[capability.InterfaceController](a.Target, capability.NetworkInterface)
	if err != nil {
		return err
	}
	p, err := ic.StartReplay(ctx, a.Source)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { p.Terminate() }) //nolint:errcheck
	defer stop()
	err = ic.StopReplay(0)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Query names a read-only interface query.
type Query string

const (
	QueryStats   Query = "stats"
	QueryAddress Query = "address"
	QueryEthtool Query = "ethtool"
	QueryEEE     Query = "eee"
)

// QueryAction prints the result of an interface query, as JSON for
// the structured ones.
type QueryAction struct {
	Target *target.Target
	Query  Query
	streams
}

func (a *QueryAction) Run(ctx context.Context) error {
	ic, err := target.Get[capability.InterfaceController](a.Target, capability.NetworkInterface)
	if err != nil {
		return err
	}

	var result map[string]any
	switch a.Query {
	case QueryAddress:
		addr, err := ic.GetAddress(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout(), addr)
		return nil
	case QueryStats:
		result, err = ic.GetStatistics(ctx)
	case QueryEthtool:
		result, err = ic.GetEthtoolSettings(ctx)
	case QueryEEE:
		result, err = ic.GetEthtoolEEESettings(ctx)
	default:
		return fmt.Errorf("unknown query %q", a.Query)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.stdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
