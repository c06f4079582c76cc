package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dutctl/internal/capability"
	"dutctl/internal/driver"
	ncerr "dutctl/internal/errors"
	"dutctl/internal/metrics"
	"dutctl/internal/proc"
	"dutctl/internal/resource"
	"dutctl/internal/transport"
)

// stubSession runs exec requests through handler and records every call.
type stubSession struct {
	mu          sync.Mutex
	activateErr error
	alive       bool
	execs       [][]string
	transfers   []string
	handler     func(ctx context.Context, args []string) (*proc.Result, error)
}

func (s *stubSession) Activate(context.Context) error {
	if s.activateErr != nil {
		return s.activateErr
	}
	s.alive = true
	return nil
}

func (s *stubSession) Deactivate() error { s.alive = false; return nil }
func (s *stubSession) Alive() bool       { return s.alive }
func (s *stubSession) String() string    { return "root@dut:22" }

func (s *stubSession) Exec(ctx context.Context, args []string, _ transport.ExecOptions) (*proc.Result, error) {
	s.mu.Lock()
	s.execs = append(s.execs, args)
	s.mu.Unlock()
	if s.handler != nil {
		return s.handler(ctx, args)
	}
	return &proc.Result{}, nil
}

func (s *stubSession) Put(_ context.Context, l, r string) error {
	s.transfers = append(s.transfers, "put "+l+" "+r)
	return nil
}

func (s *stubSession) Get(_ context.Context, r, l string) error {
	s.transfers = append(s.transfers, "get "+r+" "+l)
	return nil
}

func newStubDriver(t *testing.T, s *stubSession, opts Options) *Driver {
	t.Helper()
	d, err := New(KindSSH, "dut", s, opts, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Bind(); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDriver_InactiveOperationsFail(t *testing.T) {
	s := &stubSession{}
	d := newStubDriver(t, s, Options{})
	ctx := context.Background()

	checks := map[string]func() error{
		"run":      func() error { _, err := d.Run(ctx, "true", 0); return err },
		"runcheck": func() error { _, err := d.RunCheck(ctx, "true", 0); return err },
		"put":      func() error { return d.Put(ctx, "a", "b") },
		"get":      func() error { return d.Get(ctx, "a", "b") },
		"waitfor":  func() error { return d.WaitFor(ctx, "true", "x", time.Second, 0) },
		"poll": func() error {
			_, err := d.PollUntilSuccess(ctx, "true", 0, 1, time.Second, 0)
			return err
		},
	}
	for name, fn := range checks {
		if err := fn(); !errors.Is(err, ncerr.ErrNotActive) {
			t.Errorf("%s: expected InactiveDriverError, got %v", name, err)
		}
	}
	if len(s.execs) != 0 || len(s.transfers) != 0 {
		t.Errorf("inactive driver touched the session: %v %v", s.execs, s.transfers)
	}
	if d.GetStatus() {
		t.Error("GetStatus true before activation")
	}

	d.Activate(ctx) //nolint:errcheck
	d.Deactivate()  //nolint:errcheck
	if _, err := d.Run(ctx, "true", 0); !errors.Is(err, ncerr.ErrNotActive) {
		t.Errorf("run after deactivate: %v", err)
	}
}

func TestDriver_RunReportsExitInBand(t *testing.T) {
	s := &stubSession{handler: func(_ context.Context, args []string) (*proc.Result, error) {
		if args[0] == "false" {
			return &proc.Result{Stderr: []byte("nope\n"), ExitCode: 1}, nil
		}
		return &proc.Result{Stdout: []byte("line one\nline two\n")}, nil
	}}
	m := metrics.New()
	d, _ := New(KindSSH, "dut", s, Options{}, nil, m)
	d.Bind()                         //nolint:errcheck
	d.Activate(context.Background()) //nolint:errcheck

	out, err := d.Run(context.Background(), "cat   /etc/issue", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Stdout) != 2 || out.Stdout[1] != "line two" || len(out.Stderr) != 0 || out.ExitCode != 0 {
		t.Errorf("unexpected output %+v", out)
	}
	if got := s.execs[0]; len(got) != 2 || got[0] != "cat" || got[1] != "/etc/issue" {
		t.Errorf("tokenisation = %q", got)
	}

	out, err = d.Run(context.Background(), "false", 0)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if out.ExitCode != 1 || out.Stderr[0] != "nope" {
		t.Errorf("unexpected output %+v", out)
	}
	if m.CommandsRun() != 2 {
		t.Errorf("CommandsRun = %d", m.CommandsRun())
	}
	if !d.GetStatus() {
		t.Error("GetStatus false while active")
	}
}

func TestDriver_RunCheckRaises(t *testing.T) {
	s := &stubSession{handler: func(context.Context, []string) (*proc.Result, error) {
		return &proc.Result{Stdout: []byte("partial\n"), Stderr: []byte("boom\n"), ExitCode: 2}, nil
	}}
	d := newStubDriver(t, s, Options{})
	d.Activate(context.Background()) //nolint:errcheck

	_, err := d.RunCheck(context.Background(), "ip link show eth9", 0)
	var ee *ncerr.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if ee.ExitCode != 2 || ee.Stderr[0] != "boom" || ee.Stdout[0] != "partial" {
		t.Errorf("unexpected error fields %+v", ee)
	}
	if !strings.Contains(err.Error(), "ip link show eth9") {
		t.Errorf("error must name the command: %v", err)
	}
}

func TestDriver_RunTimeout(t *testing.T) {
	s := &stubSession{handler: func(ctx context.Context, _ []string) (*proc.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := newStubDriver(t, s, Options{})
	d.Activate(context.Background()) //nolint:errcheck

	_, err := d.Run(context.Background(), "sleep 10", 50*time.Millisecond)
	var te *ncerr.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Timeout != 50*time.Millisecond || te.Where != "root@dut:22" {
		t.Errorf("unexpected timeout fields %+v", te)
	}
}

func TestDriver_EmptyCommand(t *testing.T) {
	s := &stubSession{}
	d := newStubDriver(t, s, Options{})
	d.Activate(context.Background()) //nolint:errcheck

	var ee *ncerr.ExecutionError
	if _, err := d.Run(context.Background(), "   ", 0); !errors.As(err, &ee) {
		t.Errorf("expected ExecutionError, got %v", err)
	}
	if len(s.execs) != 0 {
		t.Error("empty command reached the session")
	}
}

func TestDriver_FailedActivation(t *testing.T) {
	s := &stubSession{activateErr: &ncerr.ConnectionError{Host: "dut", Port: 22, Err: errors.New("refused")}}
	d := newStubDriver(t, s, Options{})

	err := d.Activate(context.Background())
	var ce *ncerr.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if d.State() == driver.StateActive {
		t.Error("driver active after failed activation")
	}
	if err := d.Deactivate(); err != nil {
		t.Errorf("Deactivate: %v", err)
	}
}

func TestDriver_WaitFor(t *testing.T) {
	calls := 0
	s := &stubSession{handler: func(context.Context, []string) (*proc.Result, error) {
		calls++
		if calls < 3 {
			return &proc.Result{Stdout: []byte("booting\n")}, nil
		}
		return &proc.Result{Stdout: []byte("state: ready\n")}, nil
	}}
	d := newStubDriver(t, s, Options{})
	d.Activate(context.Background()) //nolint:errcheck

	if err := d.WaitFor(context.Background(), "systemctl is-system-running", "ready", 5*time.Second, 5*time.Millisecond); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	err := d.WaitFor(context.Background(), "systemctl is-system-running", "never", 50*time.Millisecond, 5*time.Millisecond)
	if !ncerr.IsTimeout(err) {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestDriver_PollUntilSuccess(t *testing.T) {
	calls := 0
	s := &stubSession{handler: func(context.Context, []string) (*proc.Result, error) {
		calls++
		if calls < 4 {
			return &proc.Result{ExitCode: 1}, nil
		}
		return &proc.Result{}, nil
	}}
	d := newStubDriver(t, s, Options{})
	d.Activate(context.Background()) //nolint:errcheck

	ok, err := d.PollUntilSuccess(context.Background(), "ping -c1 192.0.2.1", 0, 2, time.Second, time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected false after 2 tries, got %v %v", ok, err)
	}
	ok, err = d.PollUntilSuccess(context.Background(), "ping -c1 192.0.2.1", 0, 0, time.Second, time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected success, got %v %v", ok, err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDriver_TransferDelegates(t *testing.T) {
	s := &stubSession{}
	d := newStubDriver(t, s, Options{})
	d.Activate(context.Background()) //nolint:errcheck

	d.Put(context.Background(), "/tmp/a", "/root/a") //nolint:errcheck
	d.Get(context.Background(), "/root/b", "/tmp/b") //nolint:errcheck
	if len(s.transfers) != 2 || s.transfers[0] != "put /tmp/a /root/a" || s.transfers[1] != "get /root/b /tmp/b" {
		t.Errorf("transfers = %v", s.transfers)
	}
}

func TestRegister(t *testing.T) {
	r := capability.NewRegistry()
	Register(r)

	for _, c := range []capability.Name{capability.Command, capability.FileTransfer} {
		kinds := r.Kinds(c)
		if len(kinds) != 2 || kinds[0] != KindSSH || kinds[1] != KindNativeSSH {
			t.Errorf("%s kinds = %v", c, kinds)
		}
	}
}

// fakeSSH answers master checks positively and runs remote commands
// locally, which is enough to drive an SSHDriver end to end.
const fakeSSH = `#!/bin/sh
while [ $# -gt 0 ]; do
	case "$1" in
	-O) exit 0 ;;
	-o|-i|-p|-F) shift ;;
	-x) ;;
	*@*) shift; break ;;
	esac
	shift
done
exec sh -c "$*"
`

func TestSSHDriver_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ssh")
	if err := os.WriteFile(bin, []byte(fakeSSH), 0o755); err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	d, err := NewSSH("dut", transport.OpenSSHConfig{
		Service:          resource.NetworkService{Name: "dut", Address: "192.0.2.10", Username: "root"},
		SSHBinary:        bin,
		KeepaliveTimeout: 2 * time.Second,
	}, Options{}, nil, m)
	if err != nil {
		t.Fatal(err)
	}
	d.Bind() //nolint:errcheck
	ctx := context.Background()

	if _, err := d.Run(ctx, "true", 0); !errors.Is(err, ncerr.ErrNotActive) {
		t.Fatalf("expected inactive error, got %v", err)
	}
	if m.TotalProcesses() != 0 {
		t.Fatalf("inactive run spawned %d processes", m.TotalProcesses())
	}

	if err := d.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	defer d.Deactivate() //nolint:errcheck

	out, err := d.Run(ctx, "exit 0", 0)
	if err != nil || out.ExitCode != 0 || len(out.Stderr) != 0 {
		t.Fatalf("exit 0: %+v %v", out, err)
	}
	out, err = d.Run(ctx, "false", 0)
	if err != nil || out.ExitCode == 0 {
		t.Fatalf("false: %+v %v", out, err)
	}

	if err := d.Deactivate(); err != nil {
		t.Fatal(err)
	}
	if err := d.Deactivate(); err != nil {
		t.Errorf("second Deactivate: %v", err)
	}
}
