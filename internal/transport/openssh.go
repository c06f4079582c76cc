package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
	"dutctl/internal/proc"
	"dutctl/internal/resource"
	"dutctl/util"
)

// OpenSSHConfig holds everything needed to drive the ssh client binary.
type OpenSSHConfig struct {
	Service resource.NetworkService
	KeyFile string

	ConnectTimeout   time.Duration // master start bound (default 30s)
	ControlPersist   time.Duration // idle lifetime of an owned master (default 300s)
	KeepaliveTimeout time.Duration // keepalive close bound (default 60s)

	// ScratchRoot is where owned masters get their temporary directory
	// (default: os.TempDir()).
	ScratchRoot string

	SSHBinary     string // default "ssh"
	SCPBinary     string // default "scp"
	SSHPassBinary string // default "sshpass"
}

// OpenSSH is a session multiplexed over an OpenSSH ControlMaster.  If a
// master for the host is already live it is reused and left alone on
// deactivation; otherwise the session starts its own in a scratch
// directory and tears both down again.
type OpenSSH struct {
	cfg     OpenSSHConfig
	logger  *util.Logger
	metrics *metrics.Collector

	prefix    []string
	control   string // set only when this session owns the master
	scratch   string
	keepalive *proc.Process
}

// NewOpenSSH returns an inactive session for cfg.
func NewOpenSSH(cfg OpenSSHConfig, logger *util.Logger, m *metrics.Collector) *OpenSSH {
	if cfg.Service.Port == 0 {
		cfg.Service.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ControlPersist == 0 {
		cfg.ControlPersist = DefaultControlPersist
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if cfg.SSHBinary == "" {
		cfg.SSHBinary = "ssh"
	}
	if cfg.SCPBinary == "" {
		cfg.SCPBinary = "scp"
	}
	if cfg.SSHPassBinary == "" {
		cfg.SSHPassBinary = "sshpass"
	}
	return &OpenSSH{cfg: cfg, logger: logger.With("ssh " + cfg.Service.Address), metrics: m}
}

// String returns "user@host:port".
func (s *OpenSSH) String() string { return s.cfg.Service.String() }

// Owned reports whether this session started the master it uses.
func (s *OpenSSH) Owned() bool { return s.control != "" }

// ControlPath returns the owned control socket path, if any.
func (s *OpenSSH) ControlPath() string { return s.control }

// Activate attaches to or starts a master and then the keepalive.
func (s *OpenSSH) Activate(ctx context.Context) error {
	svc := s.cfg.Service

	s.prefix = []string{"-o", "LogLevel=ERROR"}
	if s.cfg.KeyFile != "" {
		s.prefix = append(s.prefix, "-i", s.cfg.KeyFile)
	}
	if svc.Password == "" {
		s.prefix = append(s.prefix, "-o", "PasswordAuthentication=no")
	}

	live, err := s.checkMaster(ctx)
	if err != nil {
		return err
	}
	if live {
		s.logger.Verbose("reusing existing master connection")
		s.metrics.SessionReused()
	} else {
		if err := s.startOwnMaster(ctx); err != nil {
			return err
		}
		s.metrics.SessionOpened()
		// Owned masters are addressed explicitly; the user's ssh config
		// is ignored so nothing in it can redirect the control path.
		s.prefix = append(s.prefix, "-F", "/dev/null", "-o", "ControlPath="+s.control)
	}

	return s.startKeepalive()
}

// Deactivate stops the keepalive and, for owned masters, asks the
// master to exit and removes the scratch directory.
func (s *OpenSSH) Deactivate() error {
	if s.keepalive != nil {
		s.logger.Debug("stopping keepalive")
		if err := s.keepalive.Close(s.cfg.KeepaliveTimeout); err != nil {
			s.logger.Warn("keepalive did not exit, killed: %v", err)
		}
		s.keepalive = nil
	}

	var err error
	if s.control != "" {
		err = s.cleanupOwnMaster()
	}
	s.prefix = nil
	return err
}

// Alive reports whether the keepalive is running.
func (s *OpenSSH) Alive() bool {
	return s.keepalive != nil && !s.keepalive.Exited()
}

// Exec runs args on the host over the master connection.
func (s *OpenSSH) Exec(ctx context.Context, args []string, opts ExecOptions) (*proc.Result, error) {
	if err := s.checkAlive("run"); err != nil {
		return nil, err
	}

	complete := append([]string{s.cfg.SSHBinary, "-x"}, s.prefix...)
	complete = append(complete, "-p", s.port(), s.cfg.Service.Destination())
	complete = append(complete, args...)

	s.logger.Debug("sending command: %s", strings.Join(complete, " "))
	return proc.Output(ctx, proc.Spec{
		Args:        complete,
		MergeStderr: opts.MergeStderr,
		Where:       s.String(),
	}, s.metrics)
}

// Put copies localPath to remotePath with scp.
func (s *OpenSSH) Put(ctx context.Context, localPath, remotePath string) error {
	if err := s.checkAlive("put"); err != nil {
		return err
	}
	svc := s.cfg.Service
	return s.scp(ctx, localPath, util.RemotePath(svc.Username, svc.Address, remotePath))
}

// Get copies remotePath to localPath with scp.
func (s *OpenSSH) Get(ctx context.Context, remotePath, localPath string) error {
	if err := s.checkAlive("get"); err != nil {
		return err
	}
	svc := s.cfg.Service
	return s.scp(ctx, util.RemotePath(svc.Username, svc.Address, remotePath), localPath)
}

// ── internal ─────────────────────────────────────────────────────────

func (s *OpenSSH) port() string { return strconv.Itoa(s.cfg.Service.Port) }

func (s *OpenSSH) checkAlive(op string) error {
	if s.Alive() {
		return nil
	}
	s.metrics.TransportLost()
	return &ncerr.TransportLostError{Host: s.String(), Op: op}
}

func (s *OpenSSH) scp(ctx context.Context, src, dst string) error {
	args := append([]string{s.cfg.SCPBinary}, s.prefix...)
	args = append(args, "-P", s.port(), src, dst)

	s.logger.Debug("transfer: %s", strings.Join(args, " "))
	res, err := proc.Output(ctx, proc.Spec{Args: args, Where: s.String()}, s.metrics)
	if err != nil {
		return err
	}
	s.metrics.Transfer()
	if res.ExitCode != 0 {
		return ncerr.Exec(args, res.ExitCode,
			proc.SplitLines(string(res.Stdout)), proc.SplitLines(string(res.Stderr)))
	}
	return nil
}

// checkMaster asks ssh whether a master for the host is already live.
func (s *OpenSSH) checkMaster(ctx context.Context) (bool, error) {
	args := []string{s.cfg.SSHBinary, "-O", "check", "-p", s.port(), s.cfg.Service.Destination()}
	res, err := proc.Output(ctx, proc.Spec{Args: args, Where: s.String()}, s.metrics)
	if err != nil {
		return false, &ncerr.ConnectionError{
			Host: s.cfg.Service.Address, Port: s.cfg.Service.Port, Args: args, Err: err,
		}
	}
	return res.ExitCode == 0, nil
}

// startOwnMaster launches "ssh -f -MN" with a control socket in a new
// scratch directory.  On failure the directory is removed again.
func (s *OpenSSH) startOwnMaster(ctx context.Context) (err error) {
	svc := s.cfg.Service

	scratch, err := os.MkdirTemp(s.cfg.ScratchRoot, "dutctl-ssh-")
	if err != nil {
		return &ncerr.ConnectionError{Host: svc.Address, Port: svc.Port, Err: err}
	}
	defer func() {
		if err != nil {
			os.RemoveAll(scratch)
		}
	}()
	control := filepath.Join(scratch, "control-"+svc.Address)

	var args []string
	var env map[string]string
	if svc.Password != "" {
		args = []string{s.cfg.SSHPassBinary, "-e"}
		env = map[string]string{"SSHPASS": svc.Password}
	}
	args = append(args, s.cfg.SSHBinary, "-f")
	args = append(args, s.prefix...)
	args = append(args,
		"-x",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(s.cfg.ConnectTimeout.Seconds())),
		"-o", fmt.Sprintf("ControlPersist=%d", int(s.cfg.ControlPersist.Seconds())),
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ServerAliveInterval=15",
		"-MN", "-S", control,
		"-p", s.port(), svc.Destination())

	connErr := func(cause error) error {
		return &ncerr.ConnectionError{Host: svc.Address, Port: svc.Port, Args: args, Err: cause}
	}

	// The forked master inherits stderr, so it goes to a file rather
	// than a pipe that would never see EOF.
	logPath := filepath.Join(scratch, "master.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return connErr(err)
	}
	defer logFile.Close()

	s.logger.Debug("starting master: %s", strings.Join(args, " "))
	p, err := proc.Start(proc.Spec{Args: args, Env: env, Stderr: logFile, Where: s.String()}, s.metrics)
	if err != nil {
		return connErr(err)
	}

	if werr := p.Wait(s.cfg.ConnectTimeout); werr != nil {
		p.Kill() //nolint:errcheck
		<-p.Done()
		return connErr(werr)
	}
	if code := p.ExitCode(); code != 0 {
		msg, _ := os.ReadFile(logPath)
		return connErr(fmt.Errorf("exit status %d: %s", code, strings.TrimSpace(string(msg))))
	}
	if _, serr := os.Stat(control); serr != nil {
		return connErr(fmt.Errorf("no control socket at %s", control))
	}

	s.logger.Debug("connected to %s", svc.Address)
	s.scratch = scratch
	s.control = control
	return nil
}

// cleanupOwnMaster asks the master to exit and removes the scratch
// directory.  A master that is already gone is not an error.
func (s *OpenSSH) cleanupOwnMaster() error {
	args := []string{s.cfg.SSHBinary, "-x", "-o", "ControlPath=" + s.control,
		"-O", "exit", "-p", s.port(), s.cfg.Service.Destination()}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	res, err := proc.Output(ctx, proc.Spec{Args: args, Where: s.String()}, s.metrics)
	switch {
	case err != nil:
		s.logger.Info("master exit failed: %v", err)
	case res.ExitCode != 0:
		s.logger.Info("socket already closed")
	}

	scratch := s.scratch
	s.control = ""
	s.scratch = ""
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("remove scratch directory %s: %w", scratch, err)
	}
	return nil
}

func (s *OpenSSH) startKeepalive() error {
	if s.keepalive != nil {
		return ncerr.Invariant("start keepalive", "keepalive already running for %s", s)
	}

	args := append([]string{s.cfg.SSHBinary}, s.prefix...)
	args = append(args, "-p", s.port(), s.cfg.Service.Destination(), "cat")

	p, err := proc.Start(proc.Spec{Args: args, PipeStdin: true, Where: s.String()}, s.metrics)
	if err != nil {
		return err
	}
	s.keepalive = p
	s.logger.Debug("started keepalive")
	return nil
}
