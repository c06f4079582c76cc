// Package netif implements the raw network interface driver: packet
// capture and replay on a named interface, link control and read-only
// introspection.
//
// Privileged operations go through a wrapper (by default
// "sudo dutctl-raw-interface") that accepts the sub-commands tcpdump,
// tcpreplay, ip and ethtool.  An interface on another host is reached
// through its command prefix, in which case wrapper and arguments are
// collapsed into a single shell string for the remote side.
package netif

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"dutctl/internal/capability"
	"dutctl/internal/driver"
	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
	"dutctl/internal/proc"
	"dutctl/internal/resource"
	"dutctl/util"
)

// Kind is the driver type name.
const Kind = "RawNetworkInterfaceDriver"

// Priority is the driver's priority for the network-interface capability.
const Priority = 10

// Defaults for Options.
const (
	DefaultLinkTimeout   = 3 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSysfsRoot     = "/sys/class/net"
	DefaultRemoteTempDir = "/tmp"
)

// DefaultWrapper is the privileged helper every capture, replay and
// link change runs through.
var DefaultWrapper = []string{"sudo", "dutctl-raw-interface"}

// Register declares the driver kind in r.
func Register(r *capability.Registry) {
	r.Register(capability.NetworkInterface, Kind, Priority)
}

// Options configure a Driver.
type Options struct {
	Wrapper       []string // privileged helper argv
	IPBinary      string   // default "ip"
	EthtoolBinary string   // default "ethtool"
	SysfsRoot     string   // operstate lookup root

	// ManageLink sets the link up on activation and down on
	// deactivation.
	ManageLink   bool
	LinkTimeout  time.Duration
	PollInterval time.Duration

	// RemoteTempDir holds capture and replay files on the interface's
	// host.  DeleteRemoteArtifacts removes them once they are fetched
	// or the replay stopped.
	RemoteTempDir         string
	DeleteRemoteArtifacts bool

	// Transfer moves artifacts to and from the interface's host.  It is
	// required for remote interfaces.
	Transfer capability.Transferer
}

// artifact is a file belonging to a capture or replay process.
type artifact struct {
	remote string // path on the interface's host, empty for local captures
	local  string // local destination or source
}

// Driver controls one network interface.
type Driver struct {
	*driver.Machine

	iface   resource.NetworkInterface
	opts    Options
	logger  *util.Logger
	metrics *metrics.Collector

	record     *proc.Process
	recordLive bool
	replay     *proc.Process

	artifacts map[uuid.UUID]artifact
}

// New returns a driver for iface.
func New(iface resource.NetworkInterface, opts Options, logger *util.Logger, m *metrics.Collector) *Driver {
	if len(opts.Wrapper) == 0 {
		opts.Wrapper = DefaultWrapper
	}
	if opts.IPBinary == "" {
		opts.IPBinary = "ip"
	}
	if opts.EthtoolBinary == "" {
		opts.EthtoolBinary = "ethtool"
	}
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = DefaultSysfsRoot
	}
	if opts.LinkTimeout == 0 {
		opts.LinkTimeout = DefaultLinkTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RemoteTempDir == "" {
		opts.RemoteTempDir = DefaultRemoteTempDir
	}

	d := &Driver{
		iface:     iface,
		opts:      opts,
		metrics:   m,
		artifacts: make(map[uuid.UUID]artifact),
	}
	d.Machine = driver.NewMachine(Kind, iface.Name, d)
	d.logger = logger.With(d.Name())
	return d
}

// Interface returns the bound resource.
func (d *Driver) Interface() resource.NetworkInterface { return d.iface }

// OnActivate checks that a remote interface can move artifacts and
// brings the link up when ManageLink is set.
func (d *Driver) OnActivate(ctx context.Context) error {
	if d.iface.Remote() && d.opts.Transfer == nil {
		return ncerr.Invariant("activate", "%s is remote but has no file transfer", d.iface)
	}
	if !d.opts.ManageLink {
		return nil
	}
	return d.setInterface(ctx, "up", d.opts.LinkTimeout)
}

// OnDeactivate stops outstanding captures and replays and brings the
// link down when ManageLink is set.
func (d *Driver) OnDeactivate() error {
	var errs []error
	if d.record != nil {
		d.logger.Warn("stopping outstanding record %s", d.record.ID)
		if err := d.stopRecord(proc.Poll); err != nil && !ncerr.IsTimeout(err) {
			errs = append(errs, err)
		}
	}
	if d.replay != nil {
		d.logger.Warn("stopping outstanding replay %s", d.replay.ID)
		if err := d.stopReplay(proc.Poll); err != nil && !ncerr.IsTimeout(err) {
			errs = append(errs, err)
		}
	}
	if d.opts.ManageLink {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.LinkTimeout+time.Second)
		defer cancel()
		if err := d.setInterface(ctx, "down", d.opts.LinkTimeout); err != nil {
			d.logger.Warn("link down: %v", err)
			errs = append(errs, err)
		}
	}
	return ncerr.Join(errs...)
}

// ── command construction ─────────────────────────────────────────────

// wrap runs args through the privileged wrapper, on the interface's
// host when it has a prefix.
func (d *Driver) wrap(args ...string) []string {
	full := append(append([]string{}, d.opts.Wrapper...), args...)
	return d.onHost(full...)
}

// onHost runs args on the interface's host without the wrapper.
func (d *Driver) onHost(args ...string) []string {
	if len(d.iface.CommandPrefix) == 0 {
		return args
	}
	out := append([]string{}, d.iface.CommandPrefix...)
	return append(out, strings.Join(args, " "))
}

// remoteTemp allocates a fresh path in the remote temp directory.
func (d *Driver) remoteTemp(kind string, id uuid.UUID) string {
	return path.Join(d.opts.RemoteTempDir, "dutctl-"+kind+"-"+id.String()+".pcap")
}

func (d *Driver) spec(args []string) proc.Spec {
	return proc.Spec{Args: args, Where: d.iface.String()}
}

func (d *Driver) checkOutput(ctx context.Context, args ...string) ([]byte, error) {
	d.logger.Debug("exec: %s", strings.Join(args, " "))
	out, err := proc.CheckOutput(ctx, d.spec(args), d.metrics)
	if err != nil {
		d.metrics.RecordError(err.Error())
	}
	return out, err
}

func (d *Driver) deleteRemote(p string) {
	if !d.opts.DeleteRemoteArtifacts || p == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.LinkTimeout)
	defer cancel()
	if _, err := d.checkOutput(ctx, d.onHost("rm", "-f", util.ShellQuote(p))...); err != nil {
		d.logger.Info("could not delete remote artifact %s: %v", p, err)
	}
}
