// Package metrics provides lightweight, lock-free counters and gauges
// for tracking what a dutctl process spawned and moved.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for drivers and their sessions.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	processesActive atomic.Int64
	processesTotal  atomic.Int64
	sessionsOpened  atomic.Int64
	sessionsReused  atomic.Int64
	commandsRun     atomic.Int64
	transfers       atomic.Int64
	transportsLost  atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Process metrics ──────────────────────────────────────────────────

// ProcessStarted increments both the active and total process counters.
func (c *Collector) ProcessStarted() {
	if c == nil {
		return
	}
	c.processesActive.Add(1)
	c.processesTotal.Add(1)
}

// ProcessExited decrements the active process counter.
func (c *Collector) ProcessExited() {
	if c == nil {
		return
	}
	c.processesActive.Add(-1)
}

// ActiveProcesses returns the number of spawned processes not yet reaped.
func (c *Collector) ActiveProcesses() int64 {
	if c == nil {
		return 0
	}
	return c.processesActive.Load()
}

// TotalProcesses returns the lifetime spawn count.
func (c *Collector) TotalProcesses() int64 {
	if c == nil {
		return 0
	}
	return c.processesTotal.Load()
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened records a transport session that created its own
// master connection.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Add(1)
}

// SessionReused records a transport session that attached to an
// already-live master connection.
func (c *Collector) SessionReused() {
	if c == nil {
		return
	}
	c.sessionsReused.Add(1)
}

// TransportLost records a keepalive found dead.
func (c *Collector) TransportLost() {
	if c == nil {
		return
	}
	c.transportsLost.Add(1)
}

// SessionsOpened returns how many owned sessions were established.
func (c *Collector) SessionsOpened() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsOpened.Load()
}

// SessionsReused returns how many sessions reused an external master.
func (c *Collector) SessionsReused() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsReused.Load()
}

// TransportsLost returns the number of dead keepalives detected.
func (c *Collector) TransportsLost() int64 {
	if c == nil {
		return 0
	}
	return c.transportsLost.Load()
}

// ── Command metrics ──────────────────────────────────────────────────

// CommandRun records a remote command execution.
func (c *Collector) CommandRun() {
	if c == nil {
		return
	}
	c.commandsRun.Add(1)
}

// Transfer records a file copy in either direction.
func (c *Collector) Transfer() {
	if c == nil {
		return
	}
	c.transfers.Add(1)
}

// CommandsRun returns the number of commands executed.
func (c *Collector) CommandsRun() int64 {
	if c == nil {
		return 0
	}
	return c.commandsRun.Load()
}

// Transfers returns the number of file copies.
func (c *Collector) Transfers() int64 {
	if c == nil {
		return 0
	}
	return c.transfers.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	ProcessesActive  int64  `json:"processes_active"`
	ProcessesTotal   int64  `json:"processes_total"`
	SessionsOpened   int64  `json:"sessions_opened"`
	SessionsReused   int64  `json:"sessions_reused"`
	CommandsRun      int64  `json:"commands_run"`
	Transfers        int64  `json:"transfers"`
	TransportsLost   int64  `json:"transports_lost"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		ProcessesActive: c.processesActive.Load(),
		ProcessesTotal:  c.processesTotal.Load(),
		SessionsOpened:  c.sessionsOpened.Load(),
		SessionsReused:  c.sessionsReused.Load(),
		CommandsRun:     c.commandsRun.Load(),
		Transfers:       c.transfers.Load(),
		TransportsLost:  c.transportsLost.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
