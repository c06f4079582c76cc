package config

// environment.go - the TOML environment file.
//
// An environment file describes the targets of a lab:
//
//	[targets.dut1.ssh]
//	address  = "192.168.7.2"
//	username = "root"
//	key_file = "keys/dut1"          # relative to this file
//
//	[[targets.dut1.interfaces]]
//	name   = "wire"
//	ifname = "enp3s0"
//
//	[[targets.dut1.interfaces]]
//	name           = "dut-side"
//	ifname         = "eth0"
//	host           = "192.168.7.2"
//	command_prefix = ["ssh", "-x", "root@192.168.7.2", "--"]

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	ncerr "dutctl/internal/errors"
)

// Environment is a parsed environment file.
type Environment struct {
	Targets map[string]*TargetConfig `toml:"targets" validate:"required,min=1,dive,required"`

	path string
}

// TargetConfig describes one device under test.
type TargetConfig struct {
	SSH        SSHConfig         `toml:"ssh"`
	Interfaces []InterfaceConfig `toml:"interfaces" validate:"dive"`
	Options    OptionsConfig     `toml:"options"`
}

// SSHConfig is the target's SSH service.
type SSHConfig struct {
	Address  string `toml:"address" validate:"required,hostname_rfc1123|ip"`
	Port     int    `toml:"port" validate:"omitempty,min=1,max=65535"`
	Username string `toml:"username" validate:"required"`
	Password string `toml:"password"`
	KeyFile  string `toml:"key_file"`
	Native   bool   `toml:"native"`
}

// InterfaceConfig is a network interface attached to the target.
type InterfaceConfig struct {
	Name          string   `toml:"name" validate:"required"`
	Ifname        string   `toml:"ifname" validate:"required,ifname"`
	Host          string   `toml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	CommandPrefix []string `toml:"command_prefix" validate:"required_with=Host"`
}

// OptionsConfig holds per-target tuneables.  Durations use
// time.ParseDuration syntax.
type OptionsConfig struct {
	ConnectTimeout        string   `toml:"connect_timeout" validate:"omitempty,duration"`
	ControlPersist        string   `toml:"control_persist" validate:"omitempty,duration"`
	LinkTimeout           string   `toml:"link_timeout" validate:"omitempty,duration"`
	Wrapper               []string `toml:"wrapper"`
	ManageLink            bool     `toml:"manage_link"`
	DeleteRemoteArtifacts bool     `toml:"delete_remote_artifacts"`
	RemoteTempDir         string   `toml:"remote_temp_dir"`
	Codec                 string   `toml:"codec"`
}

// ── Validation ───────────────────────────────────────────────────────

var validate = validator.New() //nolint:gochecknoglobals

func init() {
	_ = validate.RegisterValidation("duration", validateDuration)
	_ = validate.RegisterValidation("ifname", validateIfname)
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateIfname accepts Linux interface names: 1-15 bytes, no slash,
// colon or whitespace.
func validateIfname(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) == 0 || len(s) > 15 || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/: \t\n")
}

// ── Loading ──────────────────────────────────────────────────────────

// LoadEnvironment parses and validates the environment file at path.
// Relative key files are resolved against the file's directory.
func LoadEnvironment(path string) (*Environment, error) {
	env := &Environment{path: path}
	meta, err := toml.DecodeFile(path, env)
	if err != nil {
		return nil, fmt.Errorf("load environment %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, &ncerr.ConfigError{
			Field:   "env",
			Value:   path,
			Message: fmt.Sprintf("unknown key %s", undecoded[0]),
		}
	}
	if err := validate.Struct(env); err != nil {
		return nil, validationError(path, err)
	}

	dir := filepath.Dir(path)
	for _, t := range env.Targets {
		if t.SSH.Port == 0 {
			t.SSH.Port = DefaultSSHPort
		}
		if t.SSH.KeyFile != "" && !filepath.IsAbs(t.SSH.KeyFile) {
			t.SSH.KeyFile = filepath.Join(dir, t.SSH.KeyFile)
		}
	}
	return env, nil
}

// validationError reports the first failed field as a ConfigError.
func validationError(path string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate environment %s: %w", path, err)
	}
	fe := verrs[0]
	return &ncerr.ConfigError{
		Field:   "env",
		Value:   path,
		Message: fmt.Sprintf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()),
	}
}

// TargetNames returns the target names in sorted order.
func (e *Environment) TargetNames() []string {
	names := make([]string, 0, len(e.Targets))
	for name := range e.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named target.  An empty name selects the only
// target of a single-target file.
func (e *Environment) Lookup(name string) (string, *TargetConfig, error) {
	if name == "" {
		if len(e.Targets) != 1 {
			return "", nil, &ncerr.ConfigError{
				Field:   "target",
				Message: "environment has several targets",
				Hint:    "choose one of " + strings.Join(e.TargetNames(), ", "),
			}
		}
		name = e.TargetNames()[0]
	}
	t, ok := e.Targets[name]
	if !ok {
		return "", nil, &ncerr.ConfigError{
			Field:   "target",
			Value:   name,
			Message: "not in " + e.path,
			Hint:    "choose one of " + strings.Join(e.TargetNames(), ", "),
		}
	}
	return name, t, nil
}

// Interface returns the interface called name (matching either its
// resource name or its ifname).  An empty name selects the only
// interface of a target that has exactly one.
func (t *TargetConfig) Interface(name string) (*InterfaceConfig, bool) {
	if name == "" {
		if len(t.Interfaces) == 1 {
			return &t.Interfaces[0], true
		}
		return nil, false
	}
	for i := range t.Interfaces {
		if t.Interfaces[i].Name == name || t.Interfaces[i].Ifname == name {
			return &t.Interfaces[i], true
		}
	}
	return nil, false
}

// Apply fills cfg from the selected target.  explicit reports whether a
// CLI flag was given; explicitly set flags are never overridden.  The
// password and key file from the environment (DUTCTL_PASSWORD,
// DUTCTL_SSH_KEY) likewise win over the file.
func (e *Environment) Apply(cfg *Config, explicit func(flag string) bool) error {
	if explicit == nil {
		explicit = func(string) bool { return false }
	}
	name, t, err := e.Lookup(cfg.Target)
	if err != nil {
		return err
	}
	cfg.Target = name
	cfg.Host = t.SSH.Address
	cfg.Port = t.SSH.Port
	cfg.User = t.SSH.Username
	if cfg.Password == "" {
		cfg.Password = t.SSH.Password
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = t.SSH.KeyFile
	}
	cfg.Native = cfg.Native || t.SSH.Native

	if NeedsInterface(cfg.Action) || cfg.Interface != "" {
		iface, ok := t.Interface(cfg.Interface)
		if !ok {
			return &ncerr.ConfigError{
				Field:   "iface",
				Value:   cfg.Interface,
				Message: "no such interface on target " + name,
			}
		}
		cfg.InterfaceName = iface.Name
		cfg.Interface = iface.Ifname
		cfg.InterfaceHost = iface.Host
		cfg.IfacePrefix = iface.CommandPrefix
	}

	o := t.Options
	if err := applyDuration(&cfg.ConnectTimeout, o.ConnectTimeout, explicit("connect-timeout")); err != nil {
		return err
	}
	if err := applyDuration(&cfg.ControlPersist, o.ControlPersist, explicit("control-persist")); err != nil {
		return err
	}
	if err := applyDuration(&cfg.LinkTimeout, o.LinkTimeout, explicit("link-timeout")); err != nil {
		return err
	}
	if len(o.Wrapper) > 0 && !explicit("wrapper") {
		cfg.Wrapper = o.Wrapper
	}
	if o.RemoteTempDir != "" && !explicit("remote-tmp") {
		cfg.RemoteTempDir = o.RemoteTempDir
	}
	if o.Codec != "" && !explicit("codec") {
		cfg.Codec = o.Codec
	}
	cfg.ManageLink = cfg.ManageLink || o.ManageLink
	cfg.DeleteRemoteArtifacts = cfg.DeleteRemoteArtifacts || o.DeleteRemoteArtifacts
	return nil
}

func applyDuration(dst *time.Duration, raw string, explicit bool) error {
	if raw == "" || explicit {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}
