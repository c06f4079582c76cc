//go:build !unix

package proc

// Terminate ends the process.  Without POSIX signals this is a kill.
func (p *Process) Terminate() error {
	return p.Kill()
}
