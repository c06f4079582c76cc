//go:build unix

package proc

import "golang.org/x/sys/unix"

// Terminate asks the process to exit with SIGTERM.
func (p *Process) Terminate() error {
	if p.Exited() {
		return nil
	}
	return unix.Kill(p.cmd.Process.Pid, unix.SIGTERM)
}
