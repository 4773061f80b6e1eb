// Package config defines the runtime configuration for sessiond and
// provides helpers for parsing gateway specifications and port ranges.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds every tuneable of one sessiond process.  Field tags give
// the YAML key and the environment variable suffix (prefix SESSIOND_).
type Config struct {
	// ── Listeners ────────────────────────────────────────────────────
	Host         string `yaml:"host" split_words:"true"`
	MainPort     int    `yaml:"main_port" split_words:"true"`
	OperatorPort int    `yaml:"operator_port" split_words:"true"`
	AdminPort    int    `yaml:"admin_port" split_words:"true"`
	StatusAddr   string `yaml:"status_addr" split_words:"true"` // empty disables
	NoDNS        bool   `yaml:"no_dns" split_words:"true"`

	// ── Session protocol ─────────────────────────────────────────────
	Secret         string        `yaml:"secret" split_words:"true"`
	Marker         string        `yaml:"marker" split_words:"true"`
	AuthTimeout    time.Duration `yaml:"auth_timeout" split_words:"true"`
	ShellTimeout   time.Duration `yaml:"shell_timeout" split_words:"true"`
	ForwardTimeout time.Duration `yaml:"forward_timeout" split_words:"true"` // 0 waits forever
	SweepInterval  time.Duration `yaml:"sweep_interval" split_words:"true"`
	MaxCredential  int           `yaml:"max_credential" split_words:"true"`
	MaxResponse    int           `yaml:"max_response" split_words:"true"`

	// ── Plugins ──────────────────────────────────────────────────────
	Plugins  []string       `yaml:"plugins" split_words:"true"` // enabled at startup
	TLS      TLSConfig      `yaml:"tls" split_words:"true"`
	SSH      SSHConfig      `yaml:"ssh" split_words:"true"`
	Rotation RotationConfig `yaml:"rotation" split_words:"true"`
	Tunnel   TunnelConfig   `yaml:"tunnel" split_words:"true"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose int `yaml:"verbose" split_words:"true"`
}

// TLSConfig configures the tls plugin.  Without files a self-signed
// certificate is generated in memory.
type TLSConfig struct {
	CertFile string   `yaml:"cert_file" split_words:"true"`
	KeyFile  string   `yaml:"key_file" split_words:"true"`
	Hosts    []string `yaml:"hosts" split_words:"true"`
}

// SSHConfig configures the ssh plugin.
type SSHConfig struct {
	HostKey string `yaml:"host_key" split_words:"true"` // generated when empty
}

// RotationConfig configures the rotation plugin.
type RotationConfig struct {
	Schedule string `yaml:"schedule" split_words:"true"`
	Length   int    `yaml:"length" split_words:"true"`
}

// TunnelConfig configures the tunnel plugin.
type TunnelConfig struct {
	Gateway           string        `yaml:"gateway" split_words:"true"` // [user@]host[:port]
	RemoteBindAddress string        `yaml:"remote_bind_address" split_words:"true"`
	RemotePort        int           `yaml:"remote_port" split_words:"true"` // 0 lets the gateway choose
	KeyPath           string        `yaml:"key" split_words:"true"`
	PromptPassword    bool          `yaml:"prompt_password" split_words:"true"`
	UseAgent          bool          `yaml:"agent" split_words:"true"`
	StrictHostKey     bool          `yaml:"strict_host_key" split_words:"true"`
	KnownHosts        string        `yaml:"known_hosts" split_words:"true"`
	KeepAlive         time.Duration `yaml:"keepalive" split_words:"true"`
	AutoReconnect     bool          `yaml:"auto_reconnect" split_words:"true"`
	Timeout           time.Duration `yaml:"timeout" split_words:"true"`
}

// KnownPlugins lists every plugin name the server registers.
var KnownPlugins = []string{"tls", "ssh", "http", "portscan", "rotation", "tunnel"}

// PluginEnabled reports whether name is in the startup plugin list.
func (c *Config) PluginEnabled(name string) bool {
	for _, p := range c.Plugins {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// ── Port helpers ─────────────────────────────────────────────────────

// PortRange is an inclusive start-end pair.
type PortRange struct {
	Start int
	End   int
}

// Expand returns every port in the range.
func (pr PortRange) Expand() []int {
	out := make([]int, 0, pr.End-pr.Start+1)
	for p := pr.Start; p <= pr.End; p++ {
		out = append(out, p)
	}
	return out
}

// ParsePortSpec accepts "80" or "80-90".
func ParsePortSpec(spec string) (PortRange, error) {
	if strings.Contains(spec, "-") {
		parts := strings.SplitN(spec, "-", 2)
		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range start %q", parts[0])
		}
		end, err := strconv.Atoi(parts[1])
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range end %q", parts[1])
		}
		if start < 1 || end > 65535 || start > end {
			return PortRange{}, fmt.Errorf("invalid port range %d-%d", start, end)
		}
		return PortRange{Start: start, End: end}, nil
	}

	port, err := strconv.Atoi(spec)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return PortRange{}, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return PortRange{Start: port, End: port}, nil
}

// ── Gateway-spec parser ──────────────────────────────────────────────

// gatewayRe matches [user@]host[:port].
var gatewayRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := gatewayRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway %q, expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	return user, host, port, nil
}
