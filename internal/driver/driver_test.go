package driver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	ncerr "dutctl/internal/errors"
)

type fakeHooks struct {
	activateErr   error
	deactivateErr error
	activations   int
	deactivations int
}

func (f *fakeHooks) OnActivate(context.Context) error {
	f.activations++
	return f.activateErr
}

func (f *fakeHooks) OnDeactivate() error {
	f.deactivations++
	return f.deactivateErr
}

func TestMachine_Lifecycle(t *testing.T) {
	h := &fakeHooks{}
	m := NewMachine("FakeDriver", "dut", h)
	ctx := context.Background()

	if m.State() != StateCreated {
		t.Fatalf("initial state = %s", m.State())
	}
	if err := m.Activate(ctx); !errors.Is(err, ncerr.ErrNotBound) {
		t.Fatalf("activate before bind: %v", err)
	}
	if err := m.Bind(); err != nil {
		t.Fatal(err)
	}
	if err := m.Bind(); !ncerr.IsInvariant(err) {
		t.Fatalf("second bind should be an invariant violation, got %v", err)
	}

	for cycle := 0; cycle < 2; cycle++ {
		if err := m.Activate(ctx); err != nil {
			t.Fatal(err)
		}
		if m.State() != StateActive {
			t.Fatalf("state = %s, want active", m.State())
		}
		if err := m.Deactivate(); err != nil {
			t.Fatal(err)
		}
		if m.State() != StateInactive {
			t.Fatalf("state = %s, want inactive", m.State())
		}
	}
	if h.activations != 2 || h.deactivations != 2 {
		t.Errorf("hooks called %d/%d times, want 2/2", h.activations, h.deactivations)
	}
}

func TestMachine_ActivateTwiceIsNoop(t *testing.T) {
	h := &fakeHooks{}
	m := NewMachine("FakeDriver", "dut", h)
	m.Bind() //nolint:errcheck

	m.Activate(context.Background()) //nolint:errcheck
	m.Activate(context.Background()) //nolint:errcheck
	if h.activations != 1 {
		t.Errorf("activations = %d, want 1", h.activations)
	}
}

func TestMachine_DeactivateIdempotent(t *testing.T) {
	h := &fakeHooks{}
	m := NewMachine("FakeDriver", "dut", h)
	m.Bind() //nolint:errcheck

	// Never activated: nothing to clean up, no error.
	if err := m.Deactivate(); err != nil {
		t.Fatalf("deactivate on bound driver: %v", err)
	}
	m.Activate(context.Background()) //nolint:errcheck
	if err := m.Deactivate(); err != nil {
		t.Fatal(err)
	}
	if err := m.Deactivate(); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if h.deactivations != 1 {
		t.Errorf("deactivations = %d, want 1", h.deactivations)
	}
}

func TestMachine_FailedActivationCleansUp(t *testing.T) {
	h := &fakeHooks{activateErr: fmt.Errorf("no control socket")}
	m := NewMachine("FakeDriver", "dut", h)
	m.Bind() //nolint:errcheck

	err := m.Activate(context.Background())
	if err == nil {
		t.Fatal("expected activation error")
	}
	if h.deactivations != 1 {
		t.Errorf("partial setup not released, deactivations = %d", h.deactivations)
	}
	if m.State() == StateActive {
		t.Error("driver must not be active after a failed activation")
	}
	if err := m.Deactivate(); err != nil {
		t.Errorf("deactivate after failed activation: %v", err)
	}
	if err := m.Guard("run"); !errors.Is(err, ncerr.ErrNotActive) {
		t.Errorf("guard after failed activation: %v", err)
	}
}

func TestMachine_Guard(t *testing.T) {
	m := NewMachine("FakeDriver", "dut", &fakeHooks{})

	err := m.Guard("run")
	var ie *ncerr.InactiveDriverError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InactiveDriverError, got %v", err)
	}
	if ie.Driver != "FakeDriver(dut)" || ie.Op != "run" || ie.State != "created" {
		t.Errorf("unexpected fields: %+v", ie)
	}

	m.Bind()                         //nolint:errcheck
	m.Activate(context.Background()) //nolint:errcheck
	if err := m.Guard("run"); err != nil {
		t.Errorf("guard on active driver: %v", err)
	}
}
