// Package transport provides sessions: reusable authenticated channels
// to a remote host over which commands run and files move.  Sessions
// handle the "how" of reaching the host (an OpenSSH master connection
// or a native SSH client) independent of what runs over them, which is
// the command driver's job.
package transport

import (
	"context"
	"time"

	"dutctl/internal/proc"
)

// Session is one channel to a remote host with its own liveness probe.
// A session is owned by exactly one driver and lives for one activation
// cycle of that driver.
type Session interface {
	// Activate establishes (or attaches to) the channel and starts the
	// keepalive.  On error nothing is left running.
	Activate(ctx context.Context) error

	// Deactivate stops the keepalive and releases what the session
	// owns.  It is safe to call repeatedly.
	Deactivate() error

	// Alive reports whether the keepalive is still running.
	Alive() bool

	// Exec runs args on the remote host and returns the captured
	// streams.  A non-zero exit is reported in the result.  When ctx
	// ends first, the error names args and wraps ctx.Err().
	Exec(ctx context.Context, args []string, opts ExecOptions) (*proc.Result, error)

	// Put copies a local file to the remote host.
	Put(ctx context.Context, localPath, remotePath string) error

	// Get copies a remote file to the local host.
	Get(ctx context.Context, remotePath, localPath string) error

	// String returns "user@host:port".
	String() string
}

// ExecOptions tune a single Exec call.
type ExecOptions struct {
	MergeStderr bool // deliver stderr in the stdout stream
}

// Shared defaults.
const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultControlPersist   = 300 * time.Second
	DefaultKeepaliveTimeout = 60 * time.Second
)
