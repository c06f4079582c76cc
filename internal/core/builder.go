package core

import (
	"fmt"
	"strings"

	"dutctl/config"
	"dutctl/internal/capability"
	"dutctl/internal/command"
	"dutctl/internal/driver"
	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
	"dutctl/internal/netif"
	"dutctl/internal/resource"
	"dutctl/internal/target"
	"dutctl/internal/transport"
	"dutctl/util"
)

// Build constructs the target described by cfg and the action to run
// against it.  This is the single dispatch point between the CLI and
// the drivers.
func Build(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (*Plan, error) {
	r := capability.NewRegistry()
	command.Register(r)
	netif.Register(r)

	name := cfg.Target
	if name == "" {
		name = cfg.Host
	}
	tg := target.New(name, r, logger)

	cmd, err := buildCommandDriver(cfg, name, logger, m)
	if err != nil {
		return nil, err
	}
	if err := tg.AddDriver(cmd); err != nil {
		return nil, err
	}

	if config.NeedsInterface(cfg.Action) {
		nd, err := buildInterfaceDriver(cfg, cmd, logger, m)
		if err != nil {
			return nil, err
		}
		if err := tg.AddDriver(nd); err != nil {
			return nil, err
		}
	}

	action, err := buildAction(cfg, tg)
	if err != nil {
		return nil, err
	}
	return &Plan{Target: tg, Action: action, Metrics: m, Logger: logger}, nil
}

// ── driver builders ──────────────────────────────────────────────────

func buildCommandDriver(cfg *config.Config, name string, logger *util.Logger, m *metrics.Collector) (*command.Driver, error) {
	svc := resource.NetworkService{
		Name:     name,
		Address:  cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
	}
	opts := command.Options{
		StderrMerge:  cfg.StderrMerge,
		Codec:        cfg.Codec,
		DecodeErrors: cfg.DecodeErrors,
	}

	if cfg.Native {
		return command.NewNativeSSH(name, &transport.NativeConfig{
			Service:          svc,
			KeyFile:          cfg.KeyFile,
			PromptPass:       cfg.PromptPassword,
			UseAgent:         cfg.UseAgent,
			StrictHostKey:    cfg.StrictHostKey,
			KnownHosts:       cfg.KnownHostsPath,
			ConnectTimeout:   cfg.ConnectTimeout,
			KeepaliveTimeout: cfg.KeepaliveTimeout,
		}, opts, logger, m)
	}
	return command.NewSSH(name, transport.OpenSSHConfig{
		Service:          svc,
		KeyFile:          cfg.KeyFile,
		ConnectTimeout:   cfg.ConnectTimeout,
		ControlPersist:   cfg.ControlPersist,
		KeepaliveTimeout: cfg.KeepaliveTimeout,
	}, opts, logger, m)
}

// buildInterfaceDriver returns the raw interface driver.  A remote
// interface moves its artifacts through the command driver, so it must
// live on the target's SSH host.
func buildInterfaceDriver(cfg *config.Config, transfer capability.Transferer, logger *util.Logger, m *metrics.Collector) (driver.Driver, error) {
	if cfg.InterfaceHost != "" && cfg.InterfaceHost != cfg.Host {
		return nil, &ncerr.ConfigError{
			Field:   "iface-host",
			Value:   cfg.InterfaceHost,
			Message: "remote interfaces must live on the target's SSH host " + cfg.Host,
		}
	}
	name := cfg.InterfaceName
	if name == "" {
		name = cfg.Interface
	}
	iface := resource.NetworkInterface{
		Name:          name,
		Ifname:        cfg.Interface,
		Host:          cfg.InterfaceHost,
		CommandPrefix: cfg.IfacePrefix,
	}
	return netif.New(iface, netif.Options{
		Wrapper:               cfg.Wrapper,
		ManageLink:            cfg.ManageLink,
		LinkTimeout:           cfg.LinkTimeout,
		RemoteTempDir:         cfg.RemoteTempDir,
		DeleteRemoteArtifacts: cfg.DeleteRemoteArtifacts,
		Transfer:              transfer,
	}, logger, m), nil
}

// ── action builder ───────────────────────────────────────────────────

func buildAction(cfg *config.Config, tg *target.Target) (Action, error) {
	switch cfg.Action {
	case "status":
		return &StatusAction{Target: tg}, nil
	case "run":
		return &RunAction{Target: tg, Command: strings.Join(cfg.Args, " "), Timeout: cfg.CommandTimeout}, nil
	case "put":
		return &TransferAction{Target: tg, Put: true, Local: cfg.Args[0], Remote: cfg.Args[1]}, nil
	case "get":
		return &TransferAction{Target: tg, Remote: cfg.Args[0], Local: cfg.Args[1]}, nil
	case "record":
		return &RecordAction{
			Target:      tg,
			Destination: cfg.Args[0],
			Options:     capability.RecordOptions{Count: cfg.RecordCount, Timeout: cfg.RecordDuration},
		}, nil
	case "replay":
		return &ReplayAction{Target: tg, Source: cfg.Args[0]}, nil
	case "stats", "address", "ethtool", "eee":
		return &QueryAction{Target: tg, Query: Query(cfg.Action)}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", cfg.Action)
	}
}
