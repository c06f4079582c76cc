// Package target groups the drivers of one device under test and
// answers capability lookups for it.
//
// Capability bindings are computed once, on the first lookup after the
// drivers are added (or explicitly with [Target.Bind]), and stay fixed
// until [Target.Rebind].
package target

import (
	"context"
	"fmt"

	"dutctl/internal/capability"
	"dutctl/internal/driver"
	ncerr "dutctl/internal/errors"
	"dutctl/util"
)

// Target is a named set of bound drivers.
type Target struct {
	name     string
	registry *capability.Registry
	logger   *util.Logger

	drivers  []driver.Driver
	bindings map[capability.Name]driver.Driver
}

// New returns an empty target resolving against r.
func New(name string, r *capability.Registry, logger *util.Logger) *Target {
	return &Target{name: name, registry: r, logger: logger.With("target " + name)}
}

// Name returns the target name.
func (t *Target) Name() string { return t.name }

// Drivers returns the drivers in activation order.
func (t *Target) Drivers() []driver.Driver {
	return append([]driver.Driver(nil), t.drivers...)
}

// AddDriver binds d and appends it.  Drivers activate in the order they
// were added, so a driver another one depends on is added first.
func (t *Target) AddDriver(d driver.Driver) error {
	if t.bindings != nil {
		return ncerr.Invariant("add driver", "%s: bindings already computed, call Rebind", t.name)
	}
	if err := d.Bind(); err != nil {
		return err
	}
	t.drivers = append(t.drivers, d)
	t.logger.Debug("bound %s", d.Name())
	return nil
}

// Bind computes the capability bindings.  It is a no-op once bound.
func (t *Target) Bind() {
	if t.bindings != nil {
		return
	}
	t.bindings = make(map[capability.Name]driver.Driver)
	for _, c := range t.registry.Capabilities() {
		if d, ok := t.registry.Resolve(c, t.drivers); ok {
			t.bindings[c] = d
			t.logger.Debug("%s -> %s", c, d.Name())
		}
	}
}

// Rebind discards the bindings so drivers may be added again.
func (t *Target) Rebind() {
	t.bindings = nil
}

// Bindings returns a copy of the capability bindings.
func (t *Target) Bindings() map[capability.Name]driver.Driver {
	t.Bind()
	out := make(map[capability.Name]driver.Driver, len(t.bindings))
	for c, d := range t.bindings {
		out[c] = d
	}
	return out
}

// Resolve returns the driver bound to c.
func (t *Target) Resolve(c capability.Name) (driver.Driver, error) {
	t.Bind()
	d, ok := t.bindings[c]
	if !ok {
		return nil, &ncerr.ResolutionError{Target: t.name, Capability: string(c)}
	}
	return d, nil
}

// Get resolves c and returns the driver as T.
func Get[T any](t *Target, c capability.Name) (T, error) {
	var zero T
	d, err := t.Resolve(c)
	if err != nil {
		return zero, err
	}
	v, ok := d.(T)
	if !ok {
		return zero, &ncerr.ResolutionError{
			Target:     t.name,
			Capability: string(c),
			Reason:     fmt.Sprintf("%s does not implement %T", d.Name(), (*T)(nil)),
		}
	}
	return v, nil
}

// Activate activates every driver in order.  If one fails, the ones
// already activated are deactivated again in reverse order.
func (t *Target) Activate(ctx context.Context) error {
	for i, d := range t.drivers {
		t.logger.Verbose("activating %s", d.Name())
		if err := d.Activate(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if derr := t.drivers[j].Deactivate(); derr != nil {
					t.logger.Warn("rollback: %v", derr)
				}
			}
			return err
		}
	}
	return nil
}

// Deactivate deactivates every driver in reverse order and reports all
// failures together.
func (t *Target) Deactivate() error {
	var errs []error
	for i := len(t.drivers) - 1; i >= 0; i-- {
		d := t.drivers[i]
		if err := d.Deactivate(); err != nil {
			t.logger.Warn("deactivate %s: %v", d.Name(), err)
			errs = append(errs, err)
		}
	}
	return ncerr.Join(errs...)
}
