package netif

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dutctl/internal/capability"
	ncerr "dutctl/internal/errors"
	"dutctl/internal/proc"
	"dutctl/util"
)

// ── Capture ──────────────────────────────────────────────────────────

// StartRecord starts tcpdump on the interface.  With an empty
// destination the capture is a live byte stream on the returned
// process's Stdout.  On a remote interface a file capture lands in a
// fresh temporary path on that host and must be fetched with GetRecord
// after the process has stopped.
func (d *Driver) StartRecord(ctx context.Context, destination string, opts capability.RecordOptions) (*proc.Process, error) {
	if err := d.Guard("start_record"); err != nil {
		return nil, err
	}
	if d.record != nil {
		return nil, ncerr.Invariant("start_record", "record %s still running on %s", d.record.ID, d.iface)
	}

	args := []string{"tcpdump", d.iface.Ifname}
	if opts.Count > 0 {
		args = append(args, strconv.Itoa(opts.Count))
	}
	if opts.Timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(seconds(opts.Timeout)))
	}

	id := uuid.New()
	var (
		spec proc.Spec
		art  *artifact
	)
	switch {
	case destination == "":
		spec = d.spec(d.wrap(args...))
		spec.PipeStdout = true

	case d.iface.Remote():
		remote := d.remoteTemp("record", id)
		spec = d.spec(d.wrapRedirect(remote, ">", args...))
		spec.CaptureStderr = true
		art = &artifact{remote: remote, local: destination}

	default:
		f, err := os.Create(destination)
		if err != nil {
			return nil, fmt.Errorf("start_record on %s: %w", d.iface, err)
		}
		defer f.Close()
		spec = d.spec(d.wrap(args...))
		spec.Stdout = f
		spec.CaptureStderr = true
		art = &artifact{local: destination}
	}
	spec.ID = id

	p, err := d.start(spec)
	if err != nil {
		if art != nil && art.remote == "" {
			os.Remove(destination)
		}
		return nil, err
	}
	d.record = p
	d.recordLive = destination == ""
	if art != nil {
		d.artifacts[id] = *art
	}
	d.logger.Verbose("record %s started: %s", p.ID, p)
	return p, nil
}

// StopRecord waits up to timeout (0 = unbounded, proc.Poll = no wait)
// for the capture to exit, then terminates it.  A timeout on a live
// stream is expected and not reported; on a file capture it is
// returned after the process has been terminated.  A non-zero exit is
// an ExecutionError.
func (d *Driver) StopRecord(timeout time.Duration) error {
	if err := d.Guard("stop_record"); err != nil {
		return err
	}
	if d.record == nil {
		return ncerr.Invariant("stop_record", "no record running on %s", d.iface)
	}
	return d.stopRecord(timeout)
}

func (d *Driver) stopRecord(timeout time.Duration) error {
	p, live := d.record, d.recordLive
	defer func() {
		d.record = nil
		d.recordLive = false
	}()

	if err := p.Stop(timeout); err != nil {
		if live && ncerr.IsTimeout(err) {
			d.logger.Debug("live record %s stopped", p.ID)
			return nil
		}
		d.logger.Warn("record %s did not finish within %s, terminated", p.ID, timeout)
		d.forgetRecord(p)
		return err
	}
	if err := p.Check(); err != nil {
		d.metrics.RecordError(err.Error())
		d.forgetRecord(p)
		return err
	}
	d.logger.Verbose("record %s finished", p.ID)
	return nil
}

// forgetRecord drops the artifact of a capture that failed.  A local
// destination keeps whatever tcpdump wrote; a remote temporary file is
// deleted with DeleteRemoteArtifacts.
func (d *Driver) forgetRecord(p *proc.Process) {
	if art, ok := d.artifacts[p.ID]; ok {
		d.deleteRemote(art.remote)
		delete(d.artifacts, p.ID)
	}
}

// GetRecord makes the capture of a stopped record process available at
// localPath.  A remote capture is fetched from the interface's host (and
// deleted there with DeleteRemoteArtifacts); a local capture is copied
// when localPath differs from its destination.  An empty localPath
// means the destination given to StartRecord.  The handle is forgotten
// afterwards.
func (d *Driver) GetRecord(ctx context.Context, handle *proc.Process, localPath string) error {
	if err := d.Guard("get_record"); err != nil {
		return err
	}
	if handle == nil {
		return ncerr.Invariant("get_record", "nil process handle")
	}
	art, ok := d.artifacts[handle.ID]
	if !ok {
		return ncerr.Invariant("get_record", "process %s is not a tracked record", handle.ID)
	}
	if !handle.Exited() || d.record == handle {
		return ncerr.Invariant("get_record", "record %s has not been stopped", handle.ID)
	}
	if localPath == "" {
		localPath = art.local
	}

	if art.remote != "" {
		if err := d.opts.Transfer.Get(ctx, art.remote, localPath); err != nil {
			return err
		}
		d.deleteRemote(art.remote)
	} else if localPath != art.local {
		if err := copyFile(art.local, localPath); err != nil {
			return fmt.Errorf("get_record %s: %w", handle.ID, err)
		}
	}

	delete(d.artifacts, handle.ID)
	d.logger.Verbose("record %s available at %s", handle.ID, localPath)
	return nil
}

// Record runs fn with a capture in progress and always stops it
// afterwards.  At least one of opts.Count and opts.Timeout must be set.
func (d *Driver) Record(ctx context.Context, destination string, opts capability.RecordOptions, fn func(*proc.Process) error) (err error) {
	if opts.Count <= 0 && opts.Timeout <= 0 {
		return ncerr.Invariant("record", "a packet count or a timeout is required")
	}
	p, err := d.StartRecord(ctx, destination, opts)
	if err != nil {
		return err
	}
	defer func() {
		stop := time.Duration(0)
		if destination == "" {
			stop = proc.Poll
		}
		err = ncerr.Join(err, d.StopRecord(stop))
	}()
	return fn(p)
}

// ── Replay ───────────────────────────────────────────────────────────

// StartReplay starts tcpreplay on the interface.  For a remote
// interface the source is first copied to a temporary path on its host;
// otherwise the file is fed to the replay tool's stdin.
func (d *Driver) StartReplay(ctx context.Context, source string) (*proc.Process, error) {
	if err := d.Guard("start_replay"); err != nil {
		return nil, err
	}
	if d.replay != nil {
		return nil, ncerr.Invariant("start_replay", "replay %s still running on %s", d.replay.ID, d.iface)
	}

	id := uuid.New()
	var spec proc.Spec
	if d.iface.Remote() {
		remote := d.remoteTemp("replay", id)
		if err := d.opts.Transfer.Put(ctx, source, remote); err != nil {
			return nil, err
		}
		d.artifacts[id] = artifact{remote: remote, local: source}
		spec = d.spec(d.wrapRedirect(remote, "<", "tcpreplay", d.iface.Ifname))
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("start_replay on %s: %w", d.iface, err)
		}
		defer f.Close()
		spec = d.spec(d.wrap("tcpreplay", d.iface.Ifname))
		spec.Stdin = f
	}
	spec.CaptureStderr = true
	spec.ID = id

	p, err := d.start(spec)
	if err != nil {
		if art, ok := d.artifacts[id]; ok {
			d.deleteRemote(art.remote)
			delete(d.artifacts, id)
		}
		return nil, err
	}
	d.replay = p
	d.logger.Verbose("replay %s started: %s", p.ID, p)
	return p, nil
}

// StopReplay waits up to timeout (0 = unbounded) for the replay to
// finish, terminating it on expiry and returning the timeout.  A
// non-zero exit is an ExecutionError.
func (d *Driver) StopReplay(timeout time.Duration) error {
	if err := d.Guard("stop_replay"); err != nil {
		return err
	}
	if d.replay == nil {
		return ncerr.Invariant("stop_replay", "no replay running on %s", d.iface)
	}
	return d.stopReplay(timeout)
}

func (d *Driver) stopReplay(timeout time.Duration) error {
	p := d.replay
	defer func() {
		d.replay = nil
		if art, ok := d.artifacts[p.ID]; ok {
			d.deleteRemote(art.remote)
			delete(d.artifacts, p.ID)
		}
	}()

	if err := p.Stop(timeout); err != nil {
		d.logger.Warn("replay %s did not finish within %s, terminated", p.ID, timeout)
		return err
	}
	if err := p.Check(); err != nil {
		d.metrics.RecordError(err.Error())
		return err
	}
	d.logger.Verbose("replay %s finished", p.ID)
	return nil
}

// Replay runs fn with a replay in progress and always stops it
// afterwards, waiting up to timeout (0 = unbounded).
func (d *Driver) Replay(ctx context.Context, source string, timeout time.Duration, fn func(*proc.Process) error) (err error) {
	p, err := d.StartReplay(ctx, source)
	if err != nil {
		return err
	}
	defer func() {
		err = ncerr.Join(err, d.StopReplay(timeout))
	}()
	return fn(p)
}

// ── helpers ──────────────────────────────────────────────────────────

// wrapRedirect runs the wrapper on the interface's host with one of its
// streams redirected from or to file there.
func (d *Driver) wrapRedirect(file, op string, args ...string) []string {
	full := append(append([]string{}, d.opts.Wrapper...), args...)
	cmd := strings.Join(full, " ") + " " + op + " " + file
	return append(append([]string{}, d.iface.CommandPrefix...), cmd)
}

func (d *Driver) start(spec proc.Spec) (*proc.Process, error) {
	d.logger.Debug("exec: %s", strings.Join(spec.Args, " "))
	p, err := proc.Start(spec, d.metrics)
	if err != nil {
		d.metrics.RecordError(err.Error())
		return nil, err
	}
	return p, nil
}

func seconds(t time.Duration) int {
	s := int((t + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := util.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
