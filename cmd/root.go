// Package cmd wires up the CLI flags and runs the session server.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"sessiond/config"
	"sessiond/internal/core"
	"sessiond/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sessiond/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// readPassword reads the shared secret from the terminal without echo.
var readPassword = func() (string, error) { //nolint:gochecknoglobals
	fmt.Fprint(os.Stderr, "Shared secret: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// options are the flags that steer the CLI rather than the server.
type options struct {
	configPath     string
	passwordPrompt bool
	dryRun         bool
	quiet          bool
	showVersion    bool
	showHelp       bool
}

// Execute parses args and runs the server until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	cfg, opts, fs, err := loadConfig(args)
	if err != nil {
		return err
	}
	if opts.showHelp {
		printUsage(fs)
		return nil
	}
	if opts.showVersion {
		fmt.Printf("sessiond %s\n", version)
		return nil
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := cfg.Verbose + 1
	if opts.quiet {
		level = 0
	}
	logger := util.NewLogger(level)

	if opts.dryRun {
		logger.Info("configuration OK: sessions on %s, operator on %s, admin on %s, plugins [%s]",
			util.FormatAddr(cfg.Host, cfg.MainPort),
			util.FormatAddr(cfg.Host, cfg.OperatorPort),
			util.FormatAddr(cfg.Host, cfg.AdminPort),
			strings.Join(cfg.Plugins, ", "))
		return nil
	}

	// ── run ──────────────────────────────────────────────────────
	srv, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// loadConfig layers defaults, the --config file, SESSIOND_* variables
// and finally the flags given in args.
func loadConfig(args []string) (*config.Config, *options, *flag.FlagSet, error) {
	// The file must be read before the flags that override it, so
	// --config is picked out in a first, lenient pass.
	pre := flag.NewFlagSet("sessiond", flag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	path := pre.StringP("config", "f", "", "")
	if err := pre.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return nil, nil, nil, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := &options{}
	fs := newFlagSet(cfg, opts)
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if opts.showHelp || opts.showVersion {
		return cfg, opts, fs, nil
	}

	if opts.passwordPrompt {
		secret, err := readPassword()
		if err != nil {
			return nil, nil, nil, err
		}
		cfg.Secret = secret
	}
	return cfg, opts, fs, nil
}

// newFlagSet binds every flag to cfg.  Defaults shown by --help are the
// values already loaded from the file and the environment.
func newFlagSet(cfg *config.Config, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet("sessiond", flag.ContinueOnError)
	fs.SortFlags = false

	// ── listeners ────────────────────────────────────────────────
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind address for all listeners")
	fs.IntVarP(&cfg.MainPort, "main-port", "p", cfg.MainPort, "Session listener port")
	fs.IntVar(&cfg.OperatorPort, "operator-port", cfg.OperatorPort, "Operator console port")
	fs.IntVar(&cfg.AdminPort, "admin-port", cfg.AdminPort, "Admin console port")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "HTTP status endpoint address (disabled if empty)")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Do not reverse-resolve peer hostnames")

	// ── session protocol ─────────────────────────────────────────
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "Shared secret sessions authenticate with")
	fs.BoolVar(&opts.passwordPrompt, "password-prompt", false, "Read the shared secret from the terminal")
	fs.StringVar(&cfg.Marker, "marker", cfg.Marker, "Response terminator")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "Wait for a session's credential")
	fs.DurationVar(&cfg.ShellTimeout, "shell-timeout", cfg.ShellTimeout, "Wait for a session's shell line")
	fs.DurationVar(&cfg.ForwardTimeout, "forward-timeout", cfg.ForwardTimeout, "Wait for a command response (0 = forever)")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Dead-session sweep period")
	fs.IntVar(&cfg.MaxCredential, "max-credential", cfg.MaxCredential, "Credential line limit in bytes")
	fs.IntVar(&cfg.MaxResponse, "max-response", cfg.MaxResponse, "Command response limit in bytes")

	// ── plugins ──────────────────────────────────────────────────
	fs.StringSliceVar(&cfg.Plugins, "plugin", cfg.Plugins, "Enable a plugin at startup (repeatable: "+strings.Join(config.KnownPlugins, ", ")+")")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert", cfg.TLS.CertFile, "TLS certificate file (self-signed if empty)")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key", cfg.TLS.KeyFile, "TLS private key file")
	fs.StringSliceVar(&cfg.TLS.Hosts, "tls-host", cfg.TLS.Hosts, "Name for the self-signed certificate (repeatable)")
	fs.StringVar(&cfg.SSH.HostKey, "ssh-host-key", cfg.SSH.HostKey, "SSH host key file (generated if empty)")
	fs.StringVar(&cfg.Rotation.Schedule, "rotation-schedule", cfg.Rotation.Schedule, "Cron spec for secret rotation")
	fs.IntVar(&cfg.Rotation.Length, "rotation-length", cfg.Rotation.Length, "Length of rotated secrets")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.Tunnel.Gateway, "tunnel", "T", cfg.Tunnel.Gateway, "Gateway for the tunnel plugin, [user@]host[:port]")
	fs.IntVar(&cfg.Tunnel.RemotePort, "remote-port", cfg.Tunnel.RemotePort, "Port to open on the gateway (0 = gateway picks)")
	fs.StringVar(&cfg.Tunnel.RemoteBindAddress, "remote-bind-address", cfg.Tunnel.RemoteBindAddress, "Bind address on the gateway")
	fs.StringVar(&cfg.Tunnel.KeyPath, "ssh-key", cfg.Tunnel.KeyPath, "SSH private key for the gateway")
	fs.BoolVar(&cfg.Tunnel.PromptPassword, "ssh-password", cfg.Tunnel.PromptPassword, "Prompt for the gateway password")
	fs.BoolVar(&cfg.Tunnel.UseAgent, "ssh-agent", cfg.Tunnel.UseAgent, "Use the SSH agent")
	fs.BoolVar(&cfg.Tunnel.StrictHostKey, "strict-hostkey", cfg.Tunnel.StrictHostKey, "Verify the gateway host key")
	fs.StringVar(&cfg.Tunnel.KnownHosts, "known-hosts", cfg.Tunnel.KnownHosts, "Custom known_hosts path")
	fs.DurationVar(&cfg.Tunnel.KeepAlive, "keepalive", cfg.Tunnel.KeepAlive, "Gateway keepalive interval (0 disables)")
	fs.BoolVar(&cfg.Tunnel.AutoReconnect, "auto-reconnect", cfg.Tunnel.AutoReconnect, "Reconnect to the gateway after a drop")

	// ── output / CLI ─────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "Log nothing")
	fs.StringVarP(&opts.configPath, "config", "f", "", "YAML configuration file")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }
	return fs
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `sessiond – remote session server v%s

Accepts authenticated sessions on the main port and routes operator
commands to them.  Plugins are toggled from the admin console.

Usage:
  sessiond --secret <secret> [options]
  sessiond --config sessiond.yaml [options]

Settings are read from defaults, the --config file, SESSIOND_*
environment variables and flags, later sources winning.

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  sessiond --secret hunter22                       Listen on the default ports
  sessiond --password-prompt --plugin tls          Prompt for the secret, TLS on
  sessiond -f /etc/sessiond.yaml -vv               Verbose, file configuration
  sessiond --plugin tunnel -T ops@gw.example.com   Publish the session port on a gateway
`)
}
