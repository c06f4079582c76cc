// Package driver implements the activation state machine shared by all
// drivers.
//
//	CREATED ──Bind──▶ BOUND ──Activate──▶ ACTIVE ◀──▶ INACTIVE
//
// A driver performs no I/O outside ACTIVE.  Every capability-facing
// method starts with [Machine.Guard], which fails with an
// InactiveDriverError before any side effect.
package driver

import (
	"context"
	"fmt"

	ncerr "dutctl/internal/errors"
)

// State is a position in the activation lifecycle.
type State int

const (
	StateCreated State = iota
	StateBound
	StateActive
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Driver is a stateful adapter bound to a resource.  Drivers expose
// their capabilities as additional methods; see package capability.
type Driver interface {
	// Kind is the driver type name used in capability registrations.
	Kind() string
	// Name identifies this instance in logs, e.g. "SSHDriver(dut)".
	Name() string
	Bind() error
	Activate(ctx context.Context) error
	Deactivate() error
	State() State
}

// Hooks are the driver-specific halves of activation.
type Hooks interface {
	// OnActivate sets the driver up.  On failure it must leave nothing
	// running that OnDeactivate could not release.
	OnActivate(ctx context.Context) error
	// OnDeactivate releases everything OnActivate (or later operations)
	// acquired.  It is called after a failed OnActivate as well, so it
	// must tolerate partial setup.
	OnDeactivate() error
}

// Machine tracks one driver's state.  Drivers embed a *Machine and
// forward Bind/Activate/Deactivate to it.
type Machine struct {
	kind  string
	name  string
	hooks Hooks
	state State
}

// NewMachine returns a machine in StateCreated.
func NewMachine(kind, name string, hooks Hooks) *Machine {
	return &Machine{kind: kind, name: name, hooks: hooks}
}

// Kind returns the driver type name.
func (m *Machine) Kind() string { return m.kind }

// Name returns "Kind(name)".
func (m *Machine) Name() string { return fmt.Sprintf("%s(%s)", m.kind, m.name) }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Bind moves CREATED to BOUND.  Binding twice is an error.
func (m *Machine) Bind() error {
	if m.state != StateCreated {
		return ncerr.Invariant("bind", "%s already bound (state %s)", m.Name(), m.state)
	}
	m.state = StateBound
	return nil
}

// Activate runs the activation hook.  Activating an active driver is a
// no-op.  When the hook fails, the deactivation hook runs to release
// any partial setup and the driver stays out of ACTIVE.
func (m *Machine) Activate(ctx context.Context) error {
	switch m.state {
	case StateActive:
		return nil
	case StateCreated:
		return fmt.Errorf("activate %s: %w", m.Name(), ncerr.ErrNotBound)
	}

	if err := m.hooks.OnActivate(ctx); err != nil {
		if cerr := m.hooks.OnDeactivate(); cerr != nil {
			err = ncerr.Join(err, fmt.Errorf("cleanup after failed activation: %w", cerr))
		}
		return fmt.Errorf("activate %s: %w", m.Name(), err)
	}
	m.state = StateActive
	return nil
}

// Deactivate runs the deactivation hook when ACTIVE.  Otherwise it does
// nothing, so it is safe to call any number of times.
func (m *Machine) Deactivate() error {
	if m.state != StateActive {
		return nil
	}
	m.state = StateInactive
	if err := m.hooks.OnDeactivate(); err != nil {
		return fmt.Errorf("deactivate %s: %w", m.Name(), err)
	}
	return nil
}

// Guard returns an InactiveDriverError unless the driver is ACTIVE.
func (m *Machine) Guard(op string) error {
	if m.state != StateActive {
		return &ncerr.InactiveDriverError{Driver: m.Name(), Op: op, State: m.state.String()}
	}
	return nil
}
