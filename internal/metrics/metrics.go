// Package metrics provides lock-free counters and gauges describing the
// session server at runtime.
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

// Collector tracks runtime metrics for one server process.
type Collector struct {
	sessionsLive    atomic.Int64
	sessionsTotal   atomic.Int64
	authOK          atomic.Int64
	authFailed      atomic.Int64
	commandsRouted  atomic.Int64
	commandsFailed  atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	sweeps          atomic.Int64
	sessionsSwept   atomic.Int64
	pluginErrors    atomic.Int64
	tunnelReconnect atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastSweep    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Sessions ─────────────────────────────────────────────────────────

// SessionAdmitted increments the live and lifetime session counters.
func (c *Collector) SessionAdmitted() {
	if c == nil {
		return
	}
	c.sessionsLive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionRemoved decrements the live session gauge.
func (c *Collector) SessionRemoved() {
	if c == nil {
		return
	}
	c.sessionsLive.Add(-1)
}

// LiveSessions returns the number of sessions currently registered.
func (c *Collector) LiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsLive.Load()
}

// TotalSessions returns the lifetime admission count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Authentication ───────────────────────────────────────────────────

// AuthSucceeded records a handshake that matched the secret.
func (c *Collector) AuthSucceeded() {
	if c == nil {
		return
	}
	c.authOK.Add(1)
}

// AuthFailed records a rejected handshake.
func (c *Collector) AuthFailed() {
	if c == nil {
		return
	}
	c.authFailed.Add(1)
}

// AuthFailures returns the number of rejected handshakes.
func (c *Collector) AuthFailures() int64 {
	if c == nil {
		return 0
	}
	return c.authFailed.Load()
}

// ── Routing ──────────────────────────────────────────────────────────

// CommandRouted records one forwarded command and the bytes moved.
func (c *Collector) CommandRouted(sent, received int64) {
	if c == nil {
		return
	}
	c.commandsRouted.Add(1)
	c.bytesOut.Add(sent)
	c.bytesIn.Add(received)
}

// CommandFailed records a forward that ended in disconnect or timeout.
func (c *Collector) CommandFailed() {
	if c == nil {
		return
	}
	c.commandsFailed.Add(1)
}

// CommandsRouted returns the number of successfully forwarded commands.
func (c *Collector) CommandsRouted() int64 {
	if c == nil {
		return 0
	}
	return c.commandsRouted.Load()
}

// BytesReceived records n bytes read from a peer outside command routing.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to a peer outside command routing.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// ── Maintenance ──────────────────────────────────────────────────────

// SweepCompleted records one liveness sweep and how many sessions it
// removed.
func (c *Collector) SweepCompleted(removed int) {
	if c == nil {
		return
	}
	c.sweeps.Add(1)
	c.sessionsSwept.Add(int64(removed))
	c.mu.Lock()
	c.lastSweep = time.Now()
	c.mu.Unlock()
}

// Sweeps returns the number of completed sweeps.
func (c *Collector) Sweeps() int64 {
	if c == nil {
		return 0
	}
	return c.sweeps.Load()
}

// TunnelReconnect records a reverse tunnel reconnection.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnect.Add(1)
}

// ── Errors ───────────────────────────────────────────────────────────

// PluginError records a failed or panicking plugin hook.
func (c *Collector) PluginError(msg string) {
	if c == nil {
		return
	}
	c.pluginErrors.Add(1)
	c.RecordError(msg)
}

// PluginErrors returns the number of plugin hook failures.
func (c *Collector) PluginErrors() int64 {
	if c == nil {
		return 0
	}
	return c.pluginErrors.Load()
}

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
	SessionsLive     int64  `json:"sessions_live"`
	SessionsTotal    int64  `json:"sessions_total"`
	AuthSucceeded    int64  `json:"auth_succeeded"`
	AuthFailed       int64  `json:"auth_failed"`
	CommandsRouted   int64  `json:"commands_routed"`
	CommandsFailed   int64  `json:"commands_failed"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	Sweeps           int64  `json:"sweeps"`
	SessionsSwept    int64  `json:"sessions_swept"`
	PluginErrors     int64  `json:"plugin_errors"`
	TunnelReconnects int64  `json:"tunnel_reconnects"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastSweep        string `json:"last_sweep,omitempty"`
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
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsLive:     c.sessionsLive.Load(),
		SessionsTotal:    c.sessionsTotal.Load(),
		AuthSucceeded:    c.authOK.Load(),
		AuthFailed:       c.authFailed.Load(),
		CommandsRouted:   c.commandsRouted.Load(),
		CommandsFailed:   c.commandsFailed.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		Sweeps:           c.sweeps.Load(),
		SessionsSwept:    c.sessionsSwept.Load(),
		PluginErrors:     c.pluginErrors.Load(),
		TunnelReconnects: c.tunnelReconnect.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastSweep.IsZero() {
		s.LastSweep = c.lastSweep.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}
