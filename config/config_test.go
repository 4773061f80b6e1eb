package config

import (
	"testing"
	"time"
)

// ── ParseTunnelSpec ──────────────────────────────────────────────────

func TestParseTunnelSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "admin@bastion.example.com:2222", "admin", "bastion.example.com", 2222, false},
		{"no port", "root@gateway", "root", "gateway", 22, false},
		{"no user", "jump-host:2200", "", "jump-host", 2200, false},
		{"host only", "gateway.local", "", "gateway.local", 22, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"port zero", "host:0", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
		{"no host", ":22", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseTunnelSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

// ── ParsePortSpec ────────────────────────────────────────────────────

func TestParsePortSpec(t *testing.T) {
	tests := []struct {
		input     string
		wantStart int
		wantEnd   int
		wantErr   bool
	}{
		{"80", 80, 80, false},
		{"443", 443, 443, false},
		{"80-90", 80, 90, false},
		{"1-65535", 1, 65535, false},
		{"0", 0, 0, true},
		{"70000", 0, 0, true},
		{"abc", 0, 0, true},
		{"90-80", 0, 0, true},
		{"0-100", 0, 0, true},
		{"1-", 0, 0, true},
		{"-", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			pr, err := ParsePortSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePortSpec(%q) error = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if pr.Start != tt.wantStart || pr.End != tt.wantEnd {
				t.Errorf("got {%d, %d}, want {%d, %d}", pr.Start, pr.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestPortRangeExpand(t *testing.T) {
	got := PortRange{Start: 20, End: 25}.Expand()
	want := []int{20, 21, 22, 23, 24, 25}

	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

// ── Defaults ─────────────────────────────────────────────────────────

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Host != "127.0.0.1" || cfg.MainPort != 27015 || cfg.OperatorPort != 20022 || cfg.AdminPort != 9999 {
		t.Errorf("listeners = %s %d/%d/%d", cfg.Host, cfg.MainPort, cfg.OperatorPort, cfg.AdminPort)
	}
	if cfg.Marker != "[END_OF_RESPONSE]" {
		t.Errorf("Marker = %q", cfg.Marker)
	}
	if cfg.AuthTimeout != 30*time.Second || cfg.ShellTimeout != 5*time.Second || cfg.SweepInterval != 10*time.Second {
		t.Errorf("timeouts = %v/%v/%v", cfg.AuthTimeout, cfg.ShellTimeout, cfg.SweepInterval)
	}
	if cfg.MaxCredential != 512 || cfg.MaxResponse != 16<<20 {
		t.Errorf("limits = %d/%d", cfg.MaxCredential, cfg.MaxResponse)
	}
	if cfg.Secret != "" {
		t.Error("the secret must not have a default")
	}
	if cfg.Rotation.Schedule != "@every 1h" || cfg.Rotation.Length != 12 {
		t.Errorf("rotation = %+v", cfg.Rotation)
	}
}

func TestPluginEnabled(t *testing.T) {
	cfg := &Config{Plugins: []string{"TLS", "http"}}
	for name, want := range map[string]bool{"tls": true, "http": true, "ssh": false} {
		if got := cfg.PluginEnabled(name); got != want {
			t.Errorf("PluginEnabled(%q) = %v, want %v", name, got, want)
		}
	}
}
