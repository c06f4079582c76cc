// Package capability defines the operation contracts drivers offer and
// the registry that decides which driver serves a contract.
//
// Callers never depend on a concrete driver type: they ask a target for
// a capability and receive whichever bound driver declared it with the
// highest priority.  This is what lets the OpenSSH and native SSH
// drivers serve the same command and file-transfer contracts.
package capability

import (
	"context"
	"time"

	"dutctl/internal/proc"
)

// Name identifies a capability.
type Name string

const (
	Command          Name = "command"
	FileTransfer     Name = "filetransfer"
	NetworkInterface Name = "networkinterface"
)

// Output is the result of a remote command.
type Output struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
}

// CommandRunner executes one-shot commands on a target.
type CommandRunner interface {
	// Run executes command and reports its exit code in-band.  Errors
	// are reserved for spawn failures, timeouts and a lost transport.
	Run(ctx context.Context, command string, timeout time.Duration) (*Output, error)
	// RunCheck executes command and returns stdout, or an
	// ExecutionError when the exit code is non-zero.
	RunCheck(ctx context.Context, command string, timeout time.Duration) ([]string, error)
	// GetStatus reports whether the driver is usable.
	GetStatus() bool
}

// Transferer copies files to and from a target.
type Transferer interface {
	Put(ctx context.Context, localPath, remotePath string) error
	Get(ctx context.Context, remotePath, localPath string) error
}

// RecordOptions bounds a capture.  At least one bound is expected by
// the scoped Record helper.
type RecordOptions struct {
	Count   int           // exit after this many packets (0 = unbounded)
	Timeout time.Duration // capture duration (0 = unbounded)
}

// InterfaceController captures and replays traffic on an interface and
// reports its state.
type InterfaceController interface {
	StartRecord(ctx context.Context, destination string, opts RecordOptions) (*proc.Process, error)
	StopRecord(timeout time.Duration) error
	GetRecord(ctx context.Context, handle *proc.Process, localPath string) error
	StartReplay(ctx context.Context, source string) (*proc.Process, error)
	StopReplay(timeout time.Duration) error
	GetStatistics(ctx context.Context) (map[string]any, error)
	GetAddress(ctx context.Context) (string, error)
	GetEthtoolSettings(ctx context.Context) (map[string]any, error)
	GetEthtoolEEESettings(ctx context.Context) (map[string]any, error)
}
