// Package resource describes the endpoints drivers bind to.  Resources
// are plain immutable values produced by the configuration layer.
package resource

import (
	"fmt"

	"dutctl/util"
)

// Resource is an addressable endpoint.
type Resource interface {
	// ResourceName is the name the environment gave this resource.
	ResourceName() string
}

// NetworkService is an SSH-reachable host.
type NetworkService struct {
	Name     string
	Address  string
	Port     int
	Username string
	Password string // empty means key or agent authentication
}

// ResourceName implements Resource.
func (s NetworkService) ResourceName() string { return s.Name }

// Destination returns "user@address".
func (s NetworkService) Destination() string {
	return util.Destination(s.Username, s.Address)
}

// String returns "user@address:port" for logs and errors.
func (s NetworkService) String() string {
	return fmt.Sprintf("%s:%d", s.Destination(), s.Port)
}

// NetworkInterface is a named network interface.  When Host is set the
// interface lives on another machine, and CommandPrefix is the argv
// that runs a command there (e.g. ssh -x user@host --).  Commands
// passed through a prefix are collapsed into a single shell string.
type NetworkInterface struct {
	Name          string
	Ifname        string
	Host          string
	CommandPrefix []string
}

// ResourceName implements Resource.
func (i NetworkInterface) ResourceName() string { return i.Name }

// Remote reports whether the interface is reached through another host.
func (i NetworkInterface) Remote() bool { return i.Host != "" }

// String returns "ifname" or "host:ifname".
func (i NetworkInterface) String() string {
	if i.Remote() {
		return i.Host + ":" + i.Ifname
	}
	return i.Ifname
}
