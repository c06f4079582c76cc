// Package config defines the runtime configuration for dutctl and
// provides helpers for parsing host specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	ncerr "dutctl/internal/errors"
)

// Config holds every tuneable for a single dutctl invocation.
type Config struct {
	// ── Environment ──────────────────────────────────────────────────
	EnvFile string // TOML environment file
	Target  string // target name inside EnvFile

	// ── Ad-hoc target ────────────────────────────────────────────────
	HostSpec      string // raw [user@]host[:port] from --host
	Host          string
	Port          int
	User          string
	Password      string
	KeyFile       string
	Interface     string   // --iface: ifname for record/replay/stats
	InterfaceName string   // resource name, defaults to Interface
	InterfaceHost string   // host the interface lives on, empty for local
	IfacePrefix   []string // argv running a command on InterfaceHost

	// ── SSH ──────────────────────────────────────────────────────────
	Native         bool // in-process SSH client instead of the ssh binary
	PromptPassword bool
	UseAgent       bool
	StrictHostKey  bool
	KnownHostsPath string

	ConnectTimeout   time.Duration
	ControlPersist   time.Duration
	KeepaliveTimeout time.Duration

	// ── Command execution ────────────────────────────────────────────
	CommandTimeout time.Duration // 0 = unbounded
	Codec          string
	DecodeErrors   string
	StderrMerge    bool

	// ── Raw interface ────────────────────────────────────────────────
	Wrapper               []string
	ManageLink            bool
	LinkTimeout           time.Duration
	RemoteTempDir         string
	DeleteRemoteArtifacts bool
	RecordCount           int
	RecordDuration        time.Duration

	// ── Action ───────────────────────────────────────────────────────
	Action string
	Args   []string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// Default returns a Config carrying every default from defaults.go.
func Default() *Config {
	return &Config{
		Port:             DefaultSSHPort,
		ConnectTimeout:   DefaultConnectTimeout,
		ControlPersist:   DefaultControlPersist,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		Codec:            DefaultCodec,
		DecodeErrors:     DefaultDecodeErrors,
		Wrapper:          append([]string(nil), DefaultWrapper...),
		LinkTimeout:      DefaultLinkTimeout,
		RemoteTempDir:    DefaultRemoteTempDir,
	}
}

// ── Host-spec parser ─────────────────────────────────────────────────

// hostRe matches [user@]host[:port].
var hostRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseHostSpec extracts user, host, and port from a string such as
// "root@dut.lab:2222".  Port defaults to 22.
func ParseHostSpec(spec string) (user, host string, port int, err error) {
	m := hostRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid host spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Actions ──────────────────────────────────────────────────────────

// actionArgs is the number of positional arguments each action takes;
// -1 means one or more.
var actionArgs = map[string]int{
	"status":  0,
	"run":     -1,
	"put":     2,
	"get":     2,
	"record":  1,
	"replay":  1,
	"stats":   0,
	"address": 0,
	"ethtool": 0,
	"eee":     0,
}

// NeedsInterface reports whether the action operates on a network
// interface rather than the command session.
func NeedsInterface(action string) bool {
	switch action {
	case "record", "replay", "stats", "address", "ethtool", "eee":
		return true
	}
	return false
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.  It
// runs after the environment file, if any, has been applied.
func (c *Config) Validate() error {
	want, ok := actionArgs[c.Action]
	if !ok {
		return &ncerr.ConfigError{
			Field:   "action",
			Value:   c.Action,
			Message: "unknown action",
			Hint:    "one of status, run, put, get, record, replay, stats, address, ethtool, eee",
		}
	}
	switch {
	case want == -1 && len(c.Args) == 0:
		return &ncerr.ConfigError{Field: "action", Value: c.Action, Message: "requires a command"}
	case want >= 0 && len(c.Args) != want:
		return &ncerr.ConfigError{
			Field:   "action",
			Value:   c.Action,
			Message: fmt.Sprintf("takes %d argument(s), got %d", want, len(c.Args)),
		}
	}

	if c.EnvFile == "" && c.Host == "" {
		return &ncerr.ConfigError{
			Field:   "host",
			Message: "no target given",
			Hint:    "pass --env <file> or --host [user@]host[:port]",
		}
	}
	if c.EnvFile != "" && c.HostSpec != "" {
		return &ncerr.ConfigError{Field: "host", Value: c.HostSpec, Message: "--host and --env are mutually exclusive"}
	}
	if NeedsInterface(c.Action) && c.Interface == "" {
		return &ncerr.ConfigError{Field: "iface", Message: c.Action + " needs a network interface"}
	}
	if c.InterfaceHost != "" && len(c.IfacePrefix) == 0 {
		return &ncerr.ConfigError{
			Field:   "iface-host",
			Value:   c.InterfaceHost,
			Message: "a remote interface needs a command prefix",
			Hint:    "pass --iface-prefix 'ssh -x user@host --'",
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return &ncerr.ConfigError{Field: "port", Value: c.Port, Message: "out of range 1-65535"}
	}
	if c.Native && c.Password != "" && c.PromptPassword {
		return &ncerr.ConfigError{Field: "ssh-password", Message: "a password is already set"}
	}
	if !c.Native && (c.PromptPassword || c.UseAgent || c.StrictHostKey) {
		return &ncerr.ConfigError{
			Field:   "native",
			Message: "--ssh-password, --ssh-agent and --strict-hostkey need the native client",
			Hint:    "add --native, or configure the ssh binary through ~/.ssh/config",
		}
	}
	switch c.DecodeErrors {
	case "strict", "replace", "ignore":
	default:
		return &ncerr.ConfigError{Field: "decode-errors", Value: c.DecodeErrors, Message: "must be strict, replace or ignore"}
	}
	if c.Action == "record" && c.RecordCount == 0 && c.RecordDuration == 0 {
		return &ncerr.ConfigError{Field: "count", Message: "record needs --count or --duration"}
	}
	if c.RecordCount < 0 || c.RecordDuration < 0 {
		return &ncerr.ConfigError{Field: "count", Message: "record bounds must not be negative"}
	}
	if len(c.Wrapper) == 0 {
		return &ncerr.ConfigError{Field: "wrapper", Message: "must not be empty"}
	}
	return nil
}
