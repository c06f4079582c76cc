package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	ncerr "dutctl/internal/errors"
)

const labEnv = `
[targets.dut1.ssh]
address  = "192.168.7.2"
username = "root"
key_file = "keys/dut1"

[[targets.dut1.interfaces]]
name   = "wire"
ifname = "enp3s0"

[[targets.dut1.interfaces]]
name           = "dut-side"
ifname         = "eth0"
host           = "192.168.7.2"
command_prefix = ["ssh", "-x", "root@192.168.7.2", "--"]

[targets.dut1.options]
connect_timeout = "5s"
link_timeout    = "10s"
manage_link     = true
wrapper         = ["doas", "raw-if"]

[targets.dut2.ssh]
address  = "dut2.lab"
port     = 2222
username = "admin"
password = "hunter2"
native   = true
`

func writeEnv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lab.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEnvironment(t *testing.T) {
	path := writeEnv(t, labEnv)
	env, err := LoadEnvironment(path)
	if err != nil {
		t.Fatal(err)
	}

	if got := env.TargetNames(); !reflect.DeepEqual(got, []string{"dut1", "dut2"}) {
		t.Errorf("TargetNames = %v", got)
	}
	dut1 := env.Targets["dut1"]
	if dut1.SSH.Port != DefaultSSHPort {
		t.Errorf("default port = %d", dut1.SSH.Port)
	}
	if want := filepath.Join(filepath.Dir(path), "keys", "dut1"); dut1.SSH.KeyFile != want {
		t.Errorf("KeyFile = %q, want %q", dut1.SSH.KeyFile, want)
	}
	if len(dut1.Interfaces) != 2 {
		t.Fatalf("interfaces = %d", len(dut1.Interfaces))
	}
	if env.Targets["dut2"].SSH.Port != 2222 {
		t.Errorf("dut2 port = %d", env.Targets["dut2"].SSH.Port)
	}
}

func TestLoadEnvironment_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantSub string
	}{
		{"no targets", `title = "x"`, "unknown key"},
		{"empty", ``, "Targets"},
		{"missing address", `
[targets.a.ssh]
username = "root"
`, "Address"},
		{"bad port", `
[targets.a.ssh]
address  = "dut"
username = "root"
port     = 70000
`, "Port"},
		{"bad ifname", `
[targets.a.ssh]
address  = "dut"
username = "root"
[[targets.a.interfaces]]
name   = "x"
ifname = "a/b"
`, "ifname"},
		{"remote without prefix", `
[targets.a.ssh]
address  = "dut"
username = "root"
[[targets.a.interfaces]]
name   = "x"
ifname = "eth0"
host   = "peer"
`, "CommandPrefix"},
		{"bad duration", `
[targets.a.ssh]
address  = "dut"
username = "root"
[targets.a.options]
link_timeout = "soon"
`, "duration"},
		{"unknown key", `
[targets.a.ssh]
address  = "dut"
username = "root"
passwd   = "x"
`, "targets.a.ssh.passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEnvironment(writeEnv(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *ncerr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestLoadEnvironment_Malformed(t *testing.T) {
	if _, err := LoadEnvironment(writeEnv(t, "[targets")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadEnvironment(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvironment_Lookup(t *testing.T) {
	env, err := LoadEnvironment(writeEnv(t, labEnv))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Lookup(""); err == nil || !strings.Contains(err.Error(), "dut1, dut2") {
		t.Errorf("ambiguous lookup: %v", err)
	}
	if _, _, err := env.Lookup("dut9"); err == nil {
		t.Error("expected error for unknown target")
	}
	name, tc, err := env.Lookup("dut2")
	if err != nil || name != "dut2" || tc.SSH.Username != "admin" {
		t.Errorf("Lookup(dut2) = %q, %+v, %v", name, tc, err)
	}

	single, err := LoadEnvironment(writeEnv(t, `
[targets.only.ssh]
address  = "dut"
username = "root"
`))
	if err != nil {
		t.Fatal(err)
	}
	if name, _, err := single.Lookup(""); err != nil || name != "only" {
		t.Errorf("single-target lookup = %q, %v", name, err)
	}
}

func TestEnvironment_Apply(t *testing.T) {
	env, err := LoadEnvironment(writeEnv(t, labEnv))
	if err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Target = "dut1"
	cfg.Action = "stats"
	cfg.Interface = "dut-side"
	cfg.LinkTimeout = time.Second
	explicit := func(flag string) bool { return flag == "link-timeout" }

	if err := env.Apply(cfg, explicit); err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "192.168.7.2" || cfg.User != "root" || cfg.Port != 22 {
		t.Errorf("connection = %s@%s:%d", cfg.User, cfg.Host, cfg.Port)
	}
	if cfg.InterfaceName != "dut-side" || cfg.Interface != "eth0" || cfg.InterfaceHost != "192.168.7.2" {
		t.Errorf("interface = %q %q %q", cfg.InterfaceName, cfg.Interface, cfg.InterfaceHost)
	}
	if len(cfg.IfacePrefix) != 4 {
		t.Errorf("IfacePrefix = %v", cfg.IfacePrefix)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s from file", cfg.ConnectTimeout)
	}
	if cfg.LinkTimeout != time.Second {
		t.Errorf("LinkTimeout = %v, explicit flag should win", cfg.LinkTimeout)
	}
	if !cfg.ManageLink {
		t.Error("ManageLink should come from the file")
	}
	if !reflect.DeepEqual(cfg.Wrapper, []string{"doas", "raw-if"}) {
		t.Errorf("Wrapper = %v", cfg.Wrapper)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("applied config should validate: %v", err)
	}
}

func TestEnvironment_ApplyCredentials(t *testing.T) {
	env, err := LoadEnvironment(writeEnv(t, labEnv))
	if err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Target = "dut2"
	cfg.Action = "status"
	if err := env.Apply(cfg, nil); err != nil {
		t.Fatal(err)
	}
	if cfg.Password != "hunter2" || !cfg.Native || cfg.Port != 2222 {
		t.Errorf("got password=%q native=%v port=%d", cfg.Password, cfg.Native, cfg.Port)
	}

	cfg = Default()
	cfg.Target = "dut2"
	cfg.Action = "status"
	cfg.Password = "from-env"
	if err := env.Apply(cfg, nil); err != nil {
		t.Fatal(err)
	}
	if cfg.Password != "from-env" {
		t.Errorf("Password = %q, environment variable should win", cfg.Password)
	}
}

func TestEnvironment_ApplyInterfaceSelection(t *testing.T) {
	env, err := LoadEnvironment(writeEnv(t, labEnv))
	if err != nil {
		t.Fatal(err)
	}

	// dut1 has two interfaces, so an interface action must name one.
	cfg := Default()
	cfg.Target = "dut1"
	cfg.Action = "address"
	if err := env.Apply(cfg, nil); err == nil {
		t.Error("expected error for ambiguous interface")
	}

	cfg = Default()
	cfg.Target = "dut1"
	cfg.Action = "address"
	cfg.Interface = "enp3s0"
	if err := env.Apply(cfg, nil); err != nil {
		t.Fatal(err)
	}
	if cfg.InterfaceName != "wire" || cfg.InterfaceHost != "" {
		t.Errorf("selected %q on %q", cfg.InterfaceName, cfg.InterfaceHost)
	}

	// Command actions ignore interfaces entirely.
	cfg = Default()
	cfg.Target = "dut2"
	cfg.Action = "run"
	if err := env.Apply(cfg, nil); err != nil {
		t.Errorf("run on a target without interfaces: %v", err)
	}
}
