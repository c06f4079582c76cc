package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the environment file, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnectTimeout bounds master start-up and the native
	// client's dial and handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultControlPersist is how long an owned ControlMaster lingers
	// idle after the last client.
	DefaultControlPersist = 300 * time.Second

	// DefaultKeepaliveTimeout bounds closing the keepalive process.
	DefaultKeepaliveTimeout = 60 * time.Second

	// DefaultLinkTimeout bounds waiting for an interface's operstate.
	DefaultLinkTimeout = 3 * time.Second

	// DefaultPollInterval is how often operstate is re-read.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultRemoteTempDir holds capture and replay files on an
	// interface's host.
	DefaultRemoteTempDir = "/tmp"

	// DefaultCodec and DefaultDecodeErrors control how command output
	// is turned into text.
	DefaultCodec        = "utf-8"
	DefaultDecodeErrors = "strict"
)

// DefaultWrapper is the privileged helper raw interface operations run
// through.
var DefaultWrapper = []string{"sudo", "dutctl-raw-interface"} //nolint:gochecknoglobals
