// Package tunnel exposes a local TCP listener on a remote SSH gateway,
// the equivalent of `ssh -R`.  sessiond uses it to publish the main
// session port through a bastion when the server itself is not
// reachable.
//
// Files:
//
//   - auth.go     - client authentication and host-key checking
//   - dial.go     - SSH dialling and server message draining
//   - listener.go - forwarded-tcpip listener
//   - reverse.go  - ReverseTunnel lifecycle, accept loop, bridging
//   - health.go   - keepalive and reconnection
package tunnel

import (
	"time"

	"sessiond/internal/retry"
)

// SSHConfig describes how to reach and authenticate to the gateway.
type SSHConfig struct {
	User          string        `yaml:"user"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	KeyPath       string        `yaml:"key"`
	PromptPass    bool          `yaml:"prompt_password"`
	UseAgent      bool          `yaml:"agent"`
	StrictHostKey bool          `yaml:"strict_host_key"`
	KnownHosts    string        `yaml:"known_hosts"`
	ConnTimeout   time.Duration `yaml:"timeout"`

	// AllowKeyboardInteractive adds keyboard-interactive with empty
	// answers, which public tunnel services use in place of real auth.
	AllowKeyboardInteractive bool `yaml:"keyboard_interactive"`
}

// Config holds everything a [ReverseTunnel] needs.
type Config struct {
	SSH *SSHConfig

	RemoteBindAddress string // "" lets the gateway decide
	RemotePort        int    // 0 lets the gateway pick

	LocalAddress string // default 127.0.0.1
	LocalPort    int

	KeepAliveInterval time.Duration // 0 disables keepalive
	AutoReconnect     bool
	Backoff           *retry.Backoff // reconnect policy; default retry.DefaultBackoff
}

// State is the tunnel's lifecycle position.
type State string

const (
	StateIdle         State = "idle"
	StateUp           State = "up"
	StateReconnecting State = "reconnecting"
	StateDown         State = "down"
	StateClosed       State = "closed"
)

// Status is a point-in-time view of a tunnel.
type Status struct {
	State      State
	Gateway    string // host:port of the SSH server
	Remote     string // bind address on the gateway
	Local      string // forwarding target
	Forwarded  int64  // connections bridged so far
	Reconnects int
	LastError  string
	Since      time.Time // time of the last state change
}
