package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultHost is the bind address for every listener.
	DefaultHost = "127.0.0.1"

	// DefaultMainPort is where remote sessions connect.
	DefaultMainPort = 27015

	// DefaultOperatorPort serves the operator console.
	DefaultOperatorPort = 20022

	// DefaultAdminPort serves the admin console.
	DefaultAdminPort = 9999

	// DefaultMarker terminates every routed command response.
	DefaultMarker = "[END_OF_RESPONSE]"

	// DefaultAuthTimeout bounds the wait for a credential line.
	DefaultAuthTimeout = 30 * time.Second

	// DefaultShellTimeout bounds the wait for the optional shell line.
	DefaultShellTimeout = 5 * time.Second

	// DefaultSweepInterval is how often dead sessions are reaped.
	DefaultSweepInterval = 10 * time.Second

	// DefaultMaxCredential bounds the handshake line in bytes.
	DefaultMaxCredential = 512

	// DefaultMaxResponse bounds one framed response in bytes.
	DefaultMaxResponse = 16 << 20

	// DefaultRotationSchedule is the cron spec of the rotation plugin.
	DefaultRotationSchedule = "@every 1h"

	// DefaultRotationLength is the length of a rotated secret.
	DefaultRotationLength = 12

	// MinRotationLength is the shortest rotated secret accepted.
	MinRotationLength = 8

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultKeepAlive is the gateway keepalive interval.
	DefaultKeepAlive = 30 * time.Second

	// DefaultConnTimeout is the gateway dial timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for plugins.
	DefaultGracePeriod = 5 * time.Second
)

// Default returns a Config populated with every default.  The secret
// has none and must be supplied.
func Default() *Config {
	return &Config{
		Host:          DefaultHost,
		MainPort:      DefaultMainPort,
		OperatorPort:  DefaultOperatorPort,
		AdminPort:     DefaultAdminPort,
		Marker:        DefaultMarker,
		AuthTimeout:   DefaultAuthTimeout,
		ShellTimeout:  DefaultShellTimeout,
		SweepInterval: DefaultSweepInterval,
		MaxCredential: DefaultMaxCredential,
		MaxResponse:   DefaultMaxResponse,
		Rotation: RotationConfig{
			Schedule: DefaultRotationSchedule,
			Length:   DefaultRotationLength,
		},
		Tunnel: TunnelConfig{
			KeepAlive:     DefaultKeepAlive,
			AutoReconnect: true,
			Timeout:       DefaultConnTimeout,
		},
	}
}
