package netif

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	ncerr "dutctl/internal/errors"
	"dutctl/internal/retry"
)

// ── Introspection ────────────────────────────────────────────────────

// GetStatistics returns the interface entry of
// "ip --json -stats -stats link show".
func (d *Driver) GetStatistics(ctx context.Context) (map[string]any, error) {
	if err := d.Guard("get_statistics"); err != nil {
		return nil, err
	}
	return d.queryJSON(ctx, d.opts.IPBinary, "--json", "-stats", "-stats", "link", "show", d.iface.Ifname)
}

// GetAddress returns the interface's MAC address.
func (d *Driver) GetAddress(ctx context.Context) (string, error) {
	if err := d.Guard("get_address"); err != nil {
		return "", err
	}
	stats, err := d.GetStatistics(ctx)
	if err != nil {
		return "", err
	}
	addr, ok := stats["address"].(string)
	if !ok {
		return "", fmt.Errorf("get_address on %s: no address in link statistics", d.iface)
	}
	return addr, nil
}

// GetEthtoolSettings returns the interface entry of "ethtool --json".
func (d *Driver) GetEthtoolSettings(ctx context.Context) (map[string]any, error) {
	if err := d.Guard("get_ethtool_settings"); err != nil {
		return nil, err
	}
	return d.queryJSON(ctx, d.opts.EthtoolBinary, "--json", d.iface.Ifname)
}

// GetEthtoolEEESettings returns the interface entry of
// "ethtool --show-eee --json".
func (d *Driver) GetEthtoolEEESettings(ctx context.Context) (map[string]any, error) {
	if err := d.Guard("get_ethtool_eee_settings"); err != nil {
		return nil, err
	}
	return d.queryJSON(ctx, d.opts.EthtoolBinary, "--show-eee", "--json", d.iface.Ifname)
}

// queryJSON runs a read-only tool on the interface's host and returns
// the first element of the JSON array it prints.
func (d *Driver) queryJSON(ctx context.Context, args ...string) (map[string]any, error) {
	argv := d.onHost(args...)
	out, err := d.checkOutput(ctx, argv...)
	if err != nil {
		return nil, err
	}
	var entries []map[string]any
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("%s: parsing output: %w", strings.Join(argv, " "), err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: empty result", strings.Join(argv, " "))
	}
	return entries[0], nil
}

// ── Link control ─────────────────────────────────────────────────────

// SetInterfaceUp sets the link up and waits for operstate "up".
func (d *Driver) SetInterfaceUp(ctx context.Context, timeout time.Duration) error {
	if err := d.Guard("set_interface_up"); err != nil {
		return err
	}
	return d.setInterface(ctx, "up", timeout)
}

// SetInterfaceDown sets the link down and waits for operstate "down".
func (d *Driver) SetInterfaceDown(ctx context.Context, timeout time.Duration) error {
	if err := d.Guard("set_interface_down"); err != nil {
		return err
	}
	return d.setInterface(ctx, "down", timeout)
}

// WaitForInterfaceState polls the interface's operstate until it reads
// state.  It returns a TimeoutError naming the interface on expiry.
func (d *Driver) WaitForInterfaceState(ctx context.Context, state string, timeout time.Duration) error {
	if err := d.Guard("wait_for_interface_state"); err != nil {
		return err
	}
	return d.waitForState(ctx, state, timeout)
}

// SetInterfaceLinkMode fixes speed and duplex on the interface.
func (d *Driver) SetInterfaceLinkMode(ctx context.Context, speed, duplex string) error {
	if err := d.Guard("set_interface_link_mode"); err != nil {
		return err
	}
	if duplex == "" {
		duplex = "full"
	}
	if _, err := d.checkOutput(ctx, d.wrap("ethtool", d.iface.Ifname, "speed", speed)...); err != nil {
		return err
	}
	_, err := d.checkOutput(ctx, d.wrap("ethtool", d.iface.Ifname, "duplex", duplex)...)
	return err
}

func (d *Driver) setInterface(ctx context.Context, state string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = d.opts.LinkTimeout
	}
	d.logger.Verbose("setting link %s", state)
	if _, err := d.checkOutput(ctx, d.wrap("ip", d.iface.Ifname, state)...); err != nil {
		return err
	}
	return d.waitForState(ctx, state, timeout)
}

func (d *Driver) waitForState(ctx context.Context, state string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = d.opts.LinkTimeout
	}
	operstate := path.Join(d.opts.SysfsRoot, d.iface.Ifname, "operstate")

	poller := retry.Poller{Interval: d.opts.PollInterval, Timeout: timeout}
	err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
		out, err := d.checkOutput(ctx, d.onHost("cat", operstate)...)
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(string(out)) == state, nil
	})
	if errors.Is(err, retry.ErrExhausted) || errors.Is(err, context.DeadlineExceeded) {
		return &ncerr.TimeoutError{
			Op:      "wait for " + state,
			Where:   d.iface.String(),
			Args:    d.onHost("cat", operstate),
			Timeout: timeout,
		}
	}
	return err
}
