package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
	"dutctl/internal/proc"
	"dutctl/internal/resource"
	"dutctl/util"
)

// NativeConfig holds everything needed to dial a host with the in-process
// SSH client.
type NativeConfig struct {
	Service       resource.NetworkService
	KeyFile       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string

	ConnectTimeout   time.Duration // dial and handshake bound (default 30s)
	KeepaliveTimeout time.Duration // keepalive close bound (default 60s)
}

// Native is a session over a single golang.org/x/crypto/ssh client
// connection.  Every Exec, Put and Get opens its own channel on it; a
// long-running "cat" channel serves as the keepalive.
type Native struct {
	config  *NativeConfig
	logger  *util.Logger
	metrics *metrics.Collector

	mu        sync.RWMutex
	client    *ssh.Client
	keepalive *ssh.Session
	kaStdin   io.WriteCloser
	kaDone    chan struct{}
}

// NewNative returns an inactive session for cfg.
func NewNative(cfg *NativeConfig, logger *util.Logger, m *metrics.Collector) *Native {
	if cfg.Service.Port == 0 {
		cfg.Service.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	return &Native{config: cfg, logger: logger.With("native-ssh " + cfg.Service.Address), metrics: m}
}

// String returns "user@host:port".
func (n *Native) String() string { return n.config.Service.String() }

// Activate dials the host, completes the handshake and starts the
// keepalive channel.
func (n *Native) Activate(ctx context.Context) error {
	n.mu.RLock()
	running := n.keepalive != nil
	n.mu.RUnlock()
	if running {
		return ncerr.Invariant("start keepalive", "keepalive already running for %s", n)
	}

	svc := n.config.Service

	authMethods, err := buildAuthMethods(n.config)
	if err != nil {
		return ncerr.WrapSSH("auth", svc.Address, svc.Port, err)
	}
	hkCallback, err := hostKeyCallback(n.config)
	if err != nil {
		return ncerr.WrapSSH("hostkey", svc.Address, svc.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            svc.Username,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         n.config.ConnectTimeout,
	}

	addr := util.FormatAddr(svc.Address, svc.Port)
	n.logger.Debug("dialing %s as %s", addr, svc.Username)

	dialCtx, cancel := context.WithTimeout(ctx, n.config.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return &ncerr.ConnectionError{Host: svc.Address, Port: svc.Port, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			err = fmt.Errorf("%w: %v", ncerr.ErrAuthFailed, err)
		}
		return &ncerr.ConnectionError{
			Host: svc.Address, Port: svc.Port,
			Err: ncerr.WrapSSH("handshake", svc.Address, svc.Port, err),
		}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	ka, err := client.NewSession()
	if err != nil {
		client.Close()
		return ncerr.WrapSSH("keepalive", svc.Address, svc.Port, err)
	}
	stdin, err := ka.StdinPipe()
	if err != nil {
		ka.Close()
		client.Close()
		return ncerr.WrapSSH("keepalive", svc.Address, svc.Port, err)
	}
	if err := ka.Start("cat"); err != nil {
		ka.Close()
		client.Close()
		return ncerr.WrapSSH("keepalive", svc.Address, svc.Port, err)
	}

	done := make(chan struct{})
	go func() {
		ka.Wait() //nolint:errcheck
		close(done)
	}()

	n.mu.Lock()
	n.client = client
	n.keepalive = ka
	n.kaStdin = stdin
	n.kaDone = done
	n.mu.Unlock()

	n.metrics.SessionOpened()
	n.logger.Debug("connected, keepalive started")
	return nil
}

// Deactivate stops the keepalive and closes the connection.
func (n *Native) Deactivate() error {
	n.mu.Lock()
	client, ka, stdin, done := n.client, n.keepalive, n.kaStdin, n.kaDone
	n.client, n.keepalive, n.kaStdin, n.kaDone = nil, nil, nil, nil
	n.mu.Unlock()

	if ka != nil {
		stdin.Close()
		select {
		case <-done:
		case <-time.After(n.config.KeepaliveTimeout):
			n.logger.Warn("keepalive did not exit after %s, killing", n.config.KeepaliveTimeout)
			ka.Signal(ssh.SIGKILL) //nolint:errcheck
			ka.Close()
		}
	}
	if client != nil {
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.logger.Debug("close: %v", err)
		}
	}
	return nil
}

// Alive reports whether the keepalive channel is still open.
func (n *Native) Alive() bool {
	n.mu.RLock()
	done := n.kaDone
	n.mu.RUnlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Exec runs args on the host.  The arguments are joined with spaces and
// interpreted by the remote shell, as the ssh client does.
func (n *Native) Exec(ctx context.Context, args []string, opts ExecOptions) (*proc.Result, error) {
	client, err := n.liveClient("run")
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, n.lost("run", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, ncerr.Spawn(args, err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, ncerr.Spawn(args, err)
	}

	var outBuf, errBuf lockedBuffer
	errDst := &errBuf
	if opts.MergeStderr {
		errDst = &outBuf
	}

	cmdline := strings.Join(args, " ")
	n.logger.Debug("sending command: %s", cmdline)
	if err := sess.Start(cmdline); err != nil {
		return nil, ncerr.Spawn(args, err)
	}

	var g errgroup.Group
	g.Go(func() error { _, err := util.Copy(&outBuf, stdout); return err })
	g.Go(func() error { _, err := util.Copy(errDst, stderr); return err })

	waitc := make(chan error, 1)
	go func() {
		g.Wait() //nolint:errcheck
		waitc <- sess.Wait()
	}()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL) //nolint:errcheck
		sess.Close()
		return nil, ncerr.Interrupted(args, ctx.Err())
	case werr := <-waitc:
		res := &proc.Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes()}
		var exitErr *ssh.ExitError
		switch {
		case werr == nil:
		case errors.As(werr, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		default:
			if !n.Alive() {
				return nil, n.lost("run", werr)
			}
			return nil, ncerr.Spawn(args, werr)
		}
		return res, nil
	}
}

// Put streams localPath into remotePath with "cat >".
func (n *Native) Put(ctx context.Context, localPath, remotePath string) error {
	client, err := n.liveClient("put")
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	args := []string{"cat", ">", util.ShellQuote(remotePath)}
	return n.stream(ctx, client, "put", args, f, nil)
}

// Get streams remotePath into localPath with "cat".  The data lands in
// a temporary file next to localPath that replaces it only on success,
// so a failed Get leaves an existing localPath untouched.
func (n *Native) Get(ctx context.Context, remotePath, localPath string) error {
	client, err := n.liveClient("get")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	args := []string{"cat", util.ShellQuote(remotePath)}
	err = n.stream(ctx, client, "get", args, nil, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, localPath)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

// ── internal ─────────────────────────────────────────────────────────

func (n *Native) liveClient(op string) (*ssh.Client, error) {
	n.mu.RLock()
	client := n.client
	n.mu.RUnlock()
	if client == nil || !n.Alive() {
		n.metrics.TransportLost()
		return nil, &ncerr.TransportLostError{Host: n.String(), Op: op}
	}
	return client, nil
}

func (n *Native) lost(op string, cause error) error {
	n.logger.Debug("%s: %v", op, cause)
	n.metrics.TransportLost()
	return &ncerr.TransportLostError{Host: n.String(), Op: op}
}

func (n *Native) stream(ctx context.Context, client *ssh.Client, op string, args []string, in io.Reader, out io.Writer) error {
	if err := ctx.Err(); err != nil {
		return ncerr.Interrupted(args, err)
	}
	sess, err := client.NewSession()
	if err != nil {
		return n.lost(op, err)
	}
	defer sess.Close()

	var errBuf lockedBuffer
	sess.Stdin = in
	sess.Stdout = out
	sess.Stderr = &errBuf

	cmdline := strings.Join(args, " ")
	n.logger.Debug("transfer: %s", cmdline)
	if err := sess.Start(cmdline); err != nil {
		return ncerr.Spawn(args, err)
	}

	waitc := make(chan error, 1)
	go func() { waitc <- sess.Wait() }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL) //nolint:errcheck
		sess.Close()
		return ncerr.Interrupted(args, ctx.Err())
	case werr := <-waitc:
		if werr == nil {
			n.metrics.Transfer()
			return nil
		}
		var exitErr *ssh.ExitError
		if errors.As(werr, &exitErr) {
			return ncerr.Exec(args, exitErr.ExitStatus(), nil, proc.SplitLines(errBuf.String()))
		}
		if !n.Alive() {
			return n.lost(op, werr)
		}
		return fmt.Errorf("%s %s: %w", op, n, werr)
	}
}

// lockedBuffer is a bytes.Buffer safe for the two stream copiers that
// share it when stderr is merged.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *lockedBuffer) String() string { return string(b.Bytes()) }
