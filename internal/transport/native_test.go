package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
	"dutctl/internal/resource"
)

// testServer is a minimal SSH server that runs exec requests with
// "sh -c" on the local machine.
type testServer struct {
	ln    net.Listener
	cfg   *ssh.ServerConfig
	mu    sync.Mutex
	conns []net.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &testServer{ln: ln, cfg: cfg}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.closeAll()
	})
	return s
}

func (s *testServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *testServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *testServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testServer) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only") //nolint:errcheck
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	var cmd *exec.Cmd
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || cmd != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			cmd = exec.Command("sh", "-c", payload.Command)
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			stdin, _ := cmd.StdinPipe()
			if err := cmd.Start(); err != nil {
				req.Reply(false, nil) //nolint:errcheck
				ch.Close()
				return
			}
			req.Reply(true, nil) //nolint:errcheck
			go func() {
				io.Copy(stdin, ch) //nolint:errcheck
				stdin.Close()
			}()
			go func(cmd *exec.Cmd) {
				code := 0
				if err := cmd.Wait(); err != nil {
					var ee *exec.ExitError
					if errors.As(err, &ee) {
						code = ee.ExitCode()
					}
					if code < 0 {
						code = 137
					}
				}
				status := struct{ Status uint32 }{uint32(code)}
				ch.SendRequest("exit-status", false, ssh.Marshal(&status)) //nolint:errcheck
				ch.Close()
			}(cmd)
		case "signal":
			if cmd != nil && cmd.Process != nil {
				cmd.Process.Kill() //nolint:errcheck
			}
		default:
			if req.WantReply {
				req.Reply(false, nil) //nolint:errcheck
			}
		}
	}
}

func nativeSession(srv *testServer, password string, m *metrics.Collector) *Native {
	return NewNative(&NativeConfig{
		Service: resource.NetworkService{
			Name: "dut", Address: "127.0.0.1", Port: srv.port(),
			Username: "root", Password: password,
		},
		ConnectTimeout:   5 * time.Second,
		KeepaliveTimeout: 2 * time.Second,
	}, nil, m)
}

func TestNative_ExecLifecycle(t *testing.T) {
	srv := newTestServer(t)
	m := metrics.New()
	s := nativeSession(srv, "secret", m)
	ctx := context.Background()

	if err := s.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !s.Alive() {
		t.Fatal("keepalive not running")
	}
	if m.SessionsOpened() != 1 {
		t.Errorf("SessionsOpened = %d", m.SessionsOpened())
	}

	res, err := s.Exec(ctx, []string{"echo", "hello"}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if string(res.Stdout) != "hello\n" || res.ExitCode != 0 {
		t.Errorf("result = %q / %d", res.Stdout, res.ExitCode)
	}

	res, err = s.Exec(ctx, []string{"echo", "oops", ">&2;", "exit", "3"}, ExecOptions{})
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode != 3 || string(res.Stderr) != "oops\n" {
		t.Errorf("result = %q / %d", res.Stderr, res.ExitCode)
	}

	res, err = s.Exec(ctx, []string{"echo", "a;", "echo", "b", ">&2"}, ExecOptions{MergeStderr: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(res.Stdout); !strings.Contains(got, "a") || !strings.Contains(got, "b") || len(res.Stderr) != 0 {
		t.Errorf("merge: stdout=%q stderr=%q", got, res.Stderr)
	}

	if err := s.Deactivate(); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if s.Alive() {
		t.Error("alive after Deactivate")
	}
	if err := s.Deactivate(); err != nil {
		t.Errorf("second Deactivate: %v", err)
	}
	if _, err := s.Exec(ctx, []string{"true"}, ExecOptions{}); !errors.Is(err, ncerr.ErrTransportLost) {
		t.Errorf("Exec after Deactivate: %v", err)
	}
}

func TestNative_BadPassword(t *testing.T) {
	srv := newTestServer(t)
	s := nativeSession(srv, "wrong", nil)

	err := s.Activate(context.Background())
	var ce *ncerr.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if !errors.Is(err, ncerr.ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed in chain, got %v", err)
	}
	if s.Alive() {
		t.Error("alive after failed Activate")
	}
}

func TestNative_ExecContextTimeout(t *testing.T) {
	srv := newTestServer(t)
	s := nativeSession(srv, "secret", nil)
	if err := s.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Deactivate() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Exec(ctx, []string{"sleep", "5"}, ExecOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "sleep 5") {
		t.Errorf("error does not name the command: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("Exec did not return promptly after the deadline")
	}
	if !s.Alive() {
		t.Error("a timed-out command must not take the session down")
	}
}

func TestNative_PutGet(t *testing.T) {
	srv := newTestServer(t)
	m := metrics.New()
	s := nativeSession(srv, "secret", m)
	ctx := context.Background()
	if err := s.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Deactivate() //nolint:errcheck

	dir := t.TempDir()
	local := filepath.Join(dir, "in file.bin")
	remote := filepath.Join(dir, "remote.bin")
	back := filepath.Join(dir, "out.bin")
	payload := []byte("capture\x00bytes\n")
	if err := os.WriteFile(local, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Put(ctx, local, remote); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Get(ctx, remote, back); err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := os.ReadFile(back)
	if string(got) != string(payload) {
		t.Errorf("round trip = %q", got)
	}
	if m.Transfers() != 2 {
		t.Errorf("Transfers = %d", m.Transfers())
	}

	missing := filepath.Join(dir, "partial.bin")
	err := s.Get(ctx, filepath.Join(dir, "does-not-exist"), missing)
	var ee *ncerr.ExecutionError
	if !errors.As(err, &ee) || ee.ExitCode == 0 {
		t.Errorf("expected ExecutionError, got %v", err)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("partial local file not removed")
	}

	// A failed Get must not clobber an existing destination.
	if err := s.Get(ctx, filepath.Join(dir, "does-not-exist"), back); err == nil {
		t.Fatal("Get of a missing remote file succeeded")
	}
	if got, _ := os.ReadFile(back); string(got) != string(payload) {
		t.Errorf("existing file changed to %q", got)
	}
	if leftovers, _ := filepath.Glob(filepath.Join(dir, ".out.bin.*")); len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = s.Put(cctx, local, remote)
	if !errors.Is(err, context.Canceled) || !strings.Contains(err.Error(), "cat >") {
		t.Errorf("cancelled Put = %v", err)
	}
}

func TestNative_TransferOnInactiveSession(t *testing.T) {
	s := NewNative(&NativeConfig{
		Service: resource.NetworkService{Name: "dut", Address: "127.0.0.1", Port: 22, Username: "root"},
	}, nil, nil)
	ctx := context.Background()

	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(keep, []byte("precious"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := s.Get(ctx, "/remote", keep)
	if !errors.Is(err, ncerr.ErrTransportLost) {
		t.Fatalf("Get: expected transport loss, got %v", err)
	}
	if got, err := os.ReadFile(keep); err != nil || string(got) != "precious" {
		t.Errorf("existing file damaged: %q, %v", got, err)
	}

	err = s.Put(ctx, filepath.Join(dir, "no-such-file"), "/remote")
	if !errors.Is(err, ncerr.ErrTransportLost) {
		t.Errorf("Put: expected transport loss, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1", len(entries))
	}
}

func TestNative_ConnectionLoss(t *testing.T) {
	srv := newTestServer(t)
	m := metrics.New()
	s := nativeSession(srv, "secret", m)
	if err := s.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Deactivate() //nolint:errcheck

	srv.closeAll()

	deadline := time.Now().Add(5 * time.Second)
	for s.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Alive() {
		t.Fatal("keepalive still reported alive after connection loss")
	}

	_, err := s.Exec(context.Background(), []string{"true"}, ExecOptions{})
	if !errors.Is(err, ncerr.ErrTransportLost) {
		t.Fatalf("expected transport loss, got %v", err)
	}
	if m.TransportsLost() == 0 {
		t.Error("TransportsLost not recorded")
	}
}

func TestNative_SecondActivateRejected(t *testing.T) {
	srv := newTestServer(t)
	s := nativeSession(srv, "secret", nil)
	if err := s.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Deactivate() //nolint:errcheck

	if err := s.Activate(context.Background()); !ncerr.IsInvariant(err) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}
