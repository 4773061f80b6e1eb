// Package errors defines the failure taxonomy shared by the session
// server.
//
// Every failure that reaches an operator or the log is one of a small
// set of kinds (see [Kind]).  Sentinels identify the kind, structured
// types carry the context (address, plugin, hook) needed for a useful
// log line.  Only a bind failure at startup is fatal to the process.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrTransportClosed  = errors.New("transport closed")
	ErrNotFound         = errors.New("not found")
	ErrUsage            = errors.New("usage error")
	ErrPluginFailure    = errors.New("plugin failure")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrTimeout          = errors.New("operation timed out")
	ErrResponseTooLarge = errors.New("response exceeds size limit")
	ErrLineTooLong      = errors.New("line exceeds size limit")
	ErrNotConnected     = errors.New("not connected")
)

// Kind classifies an error for reporting.
type Kind int

const (
	KindOther Kind = iota
	KindAuthFailure
	KindTransportClosed
	KindNotFound
	KindUsage
	KindPluginFailure
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailure:
		return "auth-failure"
	case KindTransportClosed:
		return "transport-closed"
	case KindNotFound:
		return "not-found"
	case KindUsage:
		return "usage"
	case KindPluginFailure:
		return "plugin-failure"
	default:
		return "other"
	}
}

// KindOf maps err onto the taxonomy.  A peer that went away (EOF, closed
// socket) counts as [KindTransportClosed] even without the sentinel.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailure
	case errors.Is(err, ErrPluginFailure):
		return KindPluginFailure
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUsage):
		return KindUsage
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return KindTransportClosed
	}
	return KindOther
}

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // "listen", "accept", "upgrade", "read", "write"
	Addr      string
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// PluginError records a plugin hook that returned an error or panicked.
// It matches [ErrPluginFailure] under errors.Is as well as its cause.
type PluginError struct {
	Plugin string
	Hook   string // "register", "deregister", "accepted", "command"
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s hook: %v", e.Plugin, e.Hook, e.Err)
}

func (e *PluginError) Unwrap() []error { return []error{ErrPluginFailure, e.Err} }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // flag name; the YAML key and env var derive from it
	Value   interface{} // nil if missing
	Message string
	Hint    string // optional
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// WrapPlugin creates a PluginError.
func WrapPlugin(plugin, hook string, err error) *PluginError {
	return &PluginError{Plugin: plugin, Hook: hook, Err: err}
}

// NotFound returns an error wrapping [ErrNotFound] for the given subject.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Usage returns an error wrapping [ErrUsage] whose message is the usage
// line shown to the operator.
func Usage(line string) error {
	return &usageError{line: line}
}

type usageError struct{ line string }

func (e *usageError) Error() string { return e.line }
func (e *usageError) Unwrap() error { return ErrUsage }

// ── Classification helpers ───────────────────────────────────────────

// IsTemporary reports whether err represents a condition worth retrying,
// such as an accept failing with EMFILE.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // still the only EMFILE/ECONNABORTED signal on accept
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports ───────────────────────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
