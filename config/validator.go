package config

import (
	"strings"

	srverr "sessiond/internal/errors"
)

// Validate checks that the configuration is internally consistent.  The
// first problem found is returned as a *srverr.ConfigError with a hint.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return &srverr.ConfigError{
			Field:   "secret",
			Message: "a shared secret is required",
			Hint:    "pass --secret, set SESSIOND_SECRET, or use --password-prompt",
		}
	}
	if c.MaxCredential <= 0 {
		return &srverr.ConfigError{Field: "max-credential", Value: c.MaxCredential, Message: "must be positive"}
	}
	if len(c.Secret) > c.MaxCredential {
		return &srverr.ConfigError{
			Field:   "secret",
			Message: "longer than the credential limit",
			Hint:    "raise --max-credential or choose a shorter secret",
		}
	}
	if strings.ContainsAny(c.Secret, "\r\n") {
		return &srverr.ConfigError{Field: "secret", Message: "must be a single line"}
	}

	ports := []struct {
		field string
		port  int
	}{
		{"main-port", c.MainPort},
		{"operator-port", c.OperatorPort},
		{"admin-port", c.AdminPort},
	}
	seen := make(map[int]string, len(ports))
	for _, p := range ports {
		if p.port < 0 || p.port > 65535 {
			return &srverr.ConfigError{
				Field:   p.field,
				Value:   p.port,
				Message: "out of range 0-65535",
				Hint:    "0 picks a free port",
			}
		}
		if other, dup := seen[p.port]; dup && p.port != 0 {
			return &srverr.ConfigError{
				Field:   p.field,
				Value:   p.port,
				Message: "already used by --" + other,
				Hint:    "the session, operator and admin listeners need distinct ports",
			}
		}
		seen[p.port] = p.field
	}

	if c.Marker == "" || strings.ContainsAny(c.Marker, "\r\n") {
		return &srverr.ConfigError{
			Field:   "marker",
			Value:   c.Marker,
			Message: "must be a non-empty single line",
			Hint:    "the default is " + DefaultMarker,
		}
	}
	if c.MaxResponse < len(c.Marker) {
		return &srverr.ConfigError{Field: "max-response", Value: c.MaxResponse, Message: "smaller than the marker"}
	}

	durations := []struct {
		field string
		ok    bool
	}{
		{"auth-timeout", c.AuthTimeout > 0},
		{"shell-timeout", c.ShellTimeout > 0},
		{"sweep-interval", c.SweepInterval > 0},
		{"forward-timeout", c.ForwardTimeout >= 0},
	}
	for _, d := range durations {
		if !d.ok {
			return &srverr.ConfigError{Field: d.field, Message: "must be a positive duration", Hint: "e.g. 30s"}
		}
	}

	for _, name := range c.Plugins {
		if !knownPlugin(name) {
			return &srverr.ConfigError{
				Field:   "plugin",
				Value:   name,
				Message: "unknown plugin",
				Hint:    "known plugins: " + strings.Join(KnownPlugins, ", "),
			}
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return &srverr.ConfigError{
			Field:   "tls-cert",
			Message: "certificate and key must be given together",
			Hint:    "set both --tls-cert and --tls-key, or neither for a self-signed certificate",
		}
	}

	if c.PluginEnabled("rotation") && c.Rotation.Length < MinRotationLength {
		return &srverr.ConfigError{
			Field:   "rotation-length",
			Value:   c.Rotation.Length,
			Message: "too short",
			Hint:    "use at least 8 characters",
		}
	}

	if c.Tunnel.Gateway != "" {
		if _, _, _, err := ParseTunnelSpec(c.Tunnel.Gateway); err != nil {
			return &srverr.ConfigError{Field: "tunnel", Value: c.Tunnel.Gateway, Message: err.Error()}
		}
	} else if c.PluginEnabled("tunnel") {
		return &srverr.ConfigError{
			Field:   "tunnel",
			Message: "the tunnel plugin needs a gateway",
			Hint:    "pass --tunnel user@gateway[:port]",
		}
	}
	if c.Tunnel.RemotePort < 0 || c.Tunnel.RemotePort > 65535 {
		return &srverr.ConfigError{
			Field:   "remote-port",
			Value:   c.Tunnel.RemotePort,
			Message: "out of range 0-65535",
			Hint:    "0 lets the gateway choose",
		}
	}
	return nil
}

func knownPlugin(name string) bool {
	for _, k := range KnownPlugins {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
