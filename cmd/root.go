// Package cmd wires up the CLI flags and dispatches to the core builder.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"dutctl/config"
	"dutctl/internal/core"
	"dutctl/internal/metrics"
	"dutctl/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X dutctl/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs one action against a target.  The
// target is always deactivated before Execute returns.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("dutctl", flag.ContinueOnError)
	fs.SetInterspersed(false)

	// ── target ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.EnvFile, "env", "E", cfg.EnvFile, "TOML environment file")
	fs.StringVarP(&cfg.Target, "target", "t", cfg.Target, "Target name in the environment file")
	fs.StringVarP(&cfg.HostSpec, "host", "H", cfg.HostSpec, "Ad-hoc target [user@]host[:port]")
	fs.StringVarP(&cfg.Interface, "iface", "i", cfg.Interface, "Network interface (name or ifname)")
	fs.StringVar(&cfg.InterfaceHost, "iface-host", "", "Host the interface lives on")
	var ifacePrefix string
	fs.StringVar(&ifacePrefix, "iface-prefix", "", "Command prefix reaching the interface host")

	// ── SSH ──────────────────────────────────────────────────────
	fs.StringVar(&cfg.KeyFile, "ssh-key", cfg.KeyFile, "SSH private key file")
	fs.BoolVar(&cfg.Native, "native", cfg.Native, "Use the in-process SSH client")
	fs.BoolVar(&cfg.PromptPassword, "ssh-password", false, "Prompt for the SSH password (native)")
	fs.BoolVar(&cfg.UseAgent, "ssh-agent", false, "Use SSH agent (native)")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", false, "Verify SSH host keys (native)")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", "", "Custom known_hosts path (native)")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Connection setup bound")
	fs.DurationVar(&cfg.ControlPersist, "control-persist", cfg.ControlPersist, "Idle lifetime of an owned master")

	// ── command ──────────────────────────────────────────────────
	fs.DurationVarP(&cfg.CommandTimeout, "timeout", "w", 0, "Command timeout (0 = none)")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "Output codec (WHATWG label)")
	fs.StringVar(&cfg.DecodeErrors, "decode-errors", cfg.DecodeErrors, "strict, replace or ignore")
	fs.BoolVar(&cfg.StderrMerge, "merge-stderr", false, "Deliver stderr inside stdout")

	// ── raw interface ────────────────────────────────────────────
	fs.StringSliceVar(&cfg.Wrapper, "wrapper", cfg.Wrapper, "Privileged helper argv (comma separated)")
	fs.BoolVar(&cfg.ManageLink, "manage-link", cfg.ManageLink, "Set the link up on start and down on exit")
	fs.DurationVar(&cfg.LinkTimeout, "link-timeout", cfg.LinkTimeout, "Operstate wait bound")
	fs.StringVar(&cfg.RemoteTempDir, "remote-tmp", cfg.RemoteTempDir, "Scratch directory on the interface host")
	fs.BoolVar(&cfg.DeleteRemoteArtifacts, "delete-remote", cfg.DeleteRemoteArtifacts, "Delete remote capture files after use")
	fs.IntVarP(&cfg.RecordCount, "count", "c", 0, "record: stop after N packets")
	fs.DurationVarP(&cfg.RecordDuration, "duration", "d", 0, "record: stop after this long")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(os.Stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(os.Stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Printf("dutctl %s\n", version)
		return nil
	}

	// ── positional arguments ─────────────────────────────────────
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("action required (use --help for usage)")
	}
	cfg.Action, cfg.Args = rest[0], rest[1:]

	if ifacePrefix != "" {
		cfg.IfacePrefix = strings.Fields(ifacePrefix)
	}

	// ── target ───────────────────────────────────────────────────
	if cfg.HostSpec != "" {
		user, host, port, err := config.ParseHostSpec(cfg.HostSpec)
		if err != nil {
			return fmt.Errorf("host: %w", err)
		}
		cfg.User, cfg.Host, cfg.Port = user, host, port
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.EnvFile != "" && cfg.HostSpec == "" {
		env, err := config.LoadEnvironment(cfg.EnvFile)
		if err != nil {
			return err
		}
		if err := env.Apply(cfg, fs.Changed); err != nil {
			return err
		}
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	m := metrics.New()

	plan, err := core.Build(cfg, logger, m)
	if err != nil {
		return err
	}
	if cfg.DryRun {
		logger.Info("dry run: %s on %s with %d driver(s)", cfg.Action, plan.Target.Name(), len(plan.Target.Drivers()))
		return nil
	}

	start := time.Now()
	err = plan.Run(ctx)
	logger.Verbose("%s finished in %s", cfg.Action, time.Since(start).Truncate(time.Millisecond))
	return err
}

// ── helpers ──────────────────────────────────────────────────────────

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `dutctl – device-under-test control v%s

Runs commands, copies files and captures or replays traffic on a
device under test reached over SSH.

Options come before the action; everything after it belongs to the
action.

Usage:
  dutctl [options] status
  dutctl [options] run <command...>
  dutctl [options] put <local> <remote>
  dutctl [options] get <remote> <local>
  dutctl [options] (--count N | --duration D) record <file|->
  dutctl [options] replay <file>
  dutctl [options] stats | address | ethtool | eee

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  dutctl -H root@192.168.7.2 run uname -a
  dutctl -E lab.toml -t dut1 put fw.bin /tmp/fw.bin
  dutctl -E lab.toml -t dut1 -i wire -c 100 record out.pcap
  dutctl -H root@dut -i eth0 -d 5s record - | tcpdump -r -
  dutctl -E lab.toml -i wire replay out.pcap
`)
}
