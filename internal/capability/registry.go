package capability

import (
	"sort"

	"dutctl/internal/driver"
)

type registration struct {
	kind     string
	priority int
	order    int
}

// Registry maps each capability to the driver kinds that declare it,
// ranked by priority.  Ties keep registration order.
type Registry struct {
	entries map[Name][]registration
	seq     int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Name][]registration)}
}

// Register declares that drivers of kind provide c at priority.
// Registering the same pair again updates the priority but keeps the
// original position among equal priorities.
func (r *Registry) Register(c Name, kind string, priority int) {
	regs := r.entries[c]
	for i := range regs {
		if regs[i].kind == kind {
			regs[i].priority = priority
			r.sort(c)
			return
		}
	}
	r.seq++
	r.entries[c] = append(regs, registration{kind: kind, priority: priority, order: r.seq})
	r.sort(c)
}

func (r *Registry) sort(c Name) {
	regs := r.entries[c]
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority > regs[j].priority
		}
		return regs[i].order < regs[j].order
	})
}

// Kinds returns the driver kinds declaring c, best first.
func (r *Registry) Kinds(c Name) []string {
	regs := r.entries[c]
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.kind
	}
	return out
}

// Provides reports whether kind declared c.
func (r *Registry) Provides(kind string, c Name) bool {
	for _, reg := range r.entries[c] {
		if reg.kind == kind {
			return true
		}
	}
	return false
}

// Capabilities returns every capability with at least one declaration.
func (r *Registry) Capabilities() []Name {
	out := make([]Name, 0, len(r.entries))
	for c := range r.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve picks, among drivers, the one whose kind declared c with the
// highest priority.  When several drivers share that kind the first in
// drivers wins.  The boolean is false when none qualifies.
func (r *Registry) Resolve(c Name, drivers []driver.Driver) (driver.Driver, bool) {
	for _, reg := range r.entries[c] {
		for _, d := range drivers {
			if d.Kind() == reg.kind {
				return d, true
			}
		}
	}
	return nil, false
}
