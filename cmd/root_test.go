package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	srverr "sessiond/internal/errors"
)

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_Help verifies --help returns without error, even without
// a secret.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {"-h"}} {
		t.Run(args[0], func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly.
func TestExecute_DryRun(t *testing.T) {
	err := Execute(context.Background(), []string{
		"--secret", "hunter22", "--plugin", "tls", "-q", "--dry-run",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_MissingSecret verifies the secret has no default.
func TestExecute_MissingSecret(t *testing.T) {
	err := Execute(context.Background(), []string{"--dry-run"})
	var ce *srverr.ConfigError
	if !errors.As(err, &ce) || ce.Field != "secret" {
		t.Fatalf("err = %v, want a secret ConfigError", err)
	}
	if !strings.Contains(err.Error(), "hint:") {
		t.Errorf("error should carry a hint: %v", err)
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	tests := [][]string{
		{"--secret", "s", "--main-port", "70000", "--dry-run"},
		{"--secret", "s", "--operator-port", "27015", "--dry-run"},
		{"--secret", "s", "--plugin", "bogus", "--dry-run"},
		{"--secret", "s", "--plugin", "tunnel", "--dry-run"},
	}
	for _, args := range tests {
		if err := Execute(context.Background(), args); err == nil {
			t.Errorf("%v: expected validation error", args)
		}
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	if err := Execute(context.Background(), []string{"--nonexistent-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

// TestLoadConfig_Precedence verifies flags > env > file > defaults.
func TestLoadConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	body := "main_port: 4444\noperator_port: 4445\nadmin_port: 4446\nsecret: from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SESSIOND_OPERATOR_PORT", "3333")
	t.Setenv("SESSIOND_ADMIN_PORT", "1111")

	cfg, _, _, err := loadConfig([]string{"--config", path, "--admin-port", "2222", "-vv"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MainPort != 4444 {
		t.Errorf("MainPort = %d, want 4444 (file)", cfg.MainPort)
	}
	if cfg.OperatorPort != 3333 {
		t.Errorf("OperatorPort = %d, want 3333 (env)", cfg.OperatorPort)
	}
	if cfg.AdminPort != 2222 {
		t.Errorf("AdminPort = %d, want 2222 (flag)", cfg.AdminPort)
	}
	if cfg.Secret != "from-file" || cfg.Verbose != 2 {
		t.Errorf("Secret = %q, Verbose = %d", cfg.Secret, cfg.Verbose)
	}
	if cfg.ShellTimeout != 5*time.Second {
		t.Errorf("ShellTimeout = %v, want the default", cfg.ShellTimeout)
	}
}

func TestLoadConfig_Flags(t *testing.T) {
	cfg, opts, _, err := loadConfig([]string{
		"--secret", "s3cret",
		"--plugin", "tls", "--plugin", "rotation",
		"--forward-timeout", "30s",
		"-T", "ops@gw:2222", "--remote-port", "8022",
		"--auto-reconnect=false",
		"--dry-run",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !opts.dryRun {
		t.Error("dry-run not set")
	}
	if len(cfg.Plugins) != 2 || cfg.Plugins[0] != "tls" || cfg.Plugins[1] != "rotation" {
		t.Errorf("Plugins = %v", cfg.Plugins)
	}
	if cfg.ForwardTimeout != 30*time.Second {
		t.Errorf("ForwardTimeout = %v", cfg.ForwardTimeout)
	}
	if cfg.Tunnel.Gateway != "ops@gw:2222" || cfg.Tunnel.RemotePort != 8022 || cfg.Tunnel.AutoReconnect {
		t.Errorf("Tunnel = %+v", cfg.Tunnel)
	}
}

func TestLoadConfig_PasswordPrompt(t *testing.T) {
	orig := readPassword
	defer func() { readPassword = orig }()
	readPassword = func() (string, error) { return "typed-secret", nil }

	cfg, _, _, err := loadConfig([]string{"--secret", "ignored", "--password-prompt"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Secret != "typed-secret" {
		t.Errorf("Secret = %q, want the prompted one", cfg.Secret)
	}

	readPassword = func() (string, error) { return "", errors.New("no tty") }
	if _, _, _, err := loadConfig([]string{"--password-prompt"}); err == nil {
		t.Error("expected the prompt error")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, _, _, err := loadConfig([]string{"-f", filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

// TestExecute_RunsUntilCancelled starts a real server on ephemeral
// ports and stops it through the context.
func TestExecute_RunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- Execute(ctx, []string{
			"--secret", "hunter22", "-q", "-n",
			"--host", "127.0.0.1", "-p", "0", "--operator-port", "0", "--admin-port", "0",
		})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Execute = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
}
