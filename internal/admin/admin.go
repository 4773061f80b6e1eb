// Package admin implements the administrator console: plugin toggling,
// secret changes and status reports.
package admin

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"sessiond/internal/auth"
	"sessiond/internal/console"
	srverr "sessiond/internal/errors"
	"sessiond/internal/metrics"
	"sessiond/internal/plugin"
	"sessiond/internal/registry"
	"sessiond/internal/router"
	"sessiond/internal/transport"
	"sessiond/util"
)

const helpText = `Admin commands:
  help, ?                  show this help
  status                   show server status
  list                     list discovered and enabled plugins
  list connections         list sessions on the main listener
  enable <plugin>          enable a plugin
  disable <plugin>         disable a plugin
  change pass <new_pass>   change the shared secret
  regen certs              regenerate the TLS certificate
  metrics                  dump counters as JSON
  exit, quit               close this admin session`

// CertRegenerator is implemented by plugins that own a certificate.
type CertRegenerator interface {
	RegenerateCerts() (fingerprint string, err error)
}

// Addresses are the bound listener addresses shown by status.
type Addresses struct {
	Main     string
	Operator string
	Admin    string
}

// Console implements [console.Handler] for the admin console.  Every
// state change runs under one mutex.
type Console struct {
	Secret   *auth.Secret
	Registry *registry.Registry
	Pipeline *plugin.Pipeline
	Logger   *util.Logger
	Metrics  *metrics.Collector

	mu    sync.Mutex
	addrs Addresses
}

// SetAddresses records the bound listener addresses.
func (c *Console) SetAddresses(a Addresses) {
	c.mu.Lock()
	c.addrs = a
	c.mu.Unlock()
}

func (c *Console) addresses() Addresses {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addrs
}

// Handle dispatches one admin line.
func (c *Console) Handle(ctx context.Context, conn net.Conn, line string) console.Reply {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return console.Reply{}
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch {
	case verb == "help" || verb == "?":
		return reply(helpText)
	case verb == "exit" || verb == "quit":
		return console.Reply{Text: router.Goodbye, Close: true}
	case verb == "status" && len(args) == 0:
		return reply(c.status())
	case verb == "metrics" && len(args) == 0:
		return reply(c.Metrics.JSON())
	case verb == "list" && len(args) == 0:
		return reply(c.plugins())
	case verb == "list" && len(args) == 1 && strings.EqualFold(args[0], "connections"):
		return reply(router.FormatList(c.mainConnections()))
	case verb == "enable" && len(args) == 1:
		return reply(c.toggle(ctx, args[0], true))
	case verb == "disable" && len(args) == 1:
		return reply(c.toggle(ctx, args[0], false))
	case verb == "change" && len(args) >= 1 && strings.EqualFold(args[0], "pass"):
		if len(args) != 2 {
			return reply("Usage: change pass <new_pass>")
		}
		return reply(c.changePass(args[1]))
	case verb == "regen" && len(args) == 1 && strings.EqualFold(args[0], "certs"):
		return reply(c.regenCerts())
	}

	if c.Pipeline != nil {
		cmd := plugin.NewCommand(line, conn, c.Pipeline.Transport())
		if c.Pipeline.Intercept(ctx, cmd) {
			return reply(cmd.Response())
		}
	}
	return reply(fmt.Sprintf("Unknown command '%s'. Type 'help' for usage.", line))
}

func (c *Console) status() string {
	a := c.addresses()
	enabled := c.Pipeline.Enabled()
	names := "none"
	if len(enabled) > 0 {
		names = strings.Join(enabled, ", ")
	}

	var b strings.Builder
	b.WriteString("Server status:\n")
	fmt.Fprintf(&b, "  password:         %s\n", c.Secret.Get())
	fmt.Fprintf(&b, "  main listener:    %s (%s)\n", a.Main, transport.Describe(c.Pipeline.Transport()))
	fmt.Fprintf(&b, "  operator console: %s\n", a.Operator)
	fmt.Fprintf(&b, "  admin console:    %s\n", a.Admin)
	fmt.Fprintf(&b, "  enabled plugins:  %s\n", names)
	fmt.Fprintf(&b, "  live sessions:    %d", c.Registry.Count())
	return b.String()
}

func (c *Console) plugins() string {
	infos := c.Pipeline.Discovered()
	if len(infos) == 0 {
		return "No plugins discovered."
	}
	var b strings.Builder
	b.WriteString("Discovered plugins:")
	for _, in := range infos {
		state := "DISABLED"
		if in.Enabled {
			state = "ENABLED"
		}
		fmt.Fprintf(&b, "\n  %s (%s)", in.Name, state)
		if in.Description != "" {
			fmt.Fprintf(&b, " - %s", in.Description)
		}
	}
	if enabled := c.Pipeline.Enabled(); len(enabled) > 0 {
		fmt.Fprintf(&b, "\nEnabled plugins: %s", strings.Join(enabled, ", "))
	} else {
		b.WriteString("\nEnabled plugins: none")
	}
	return b.String()
}

// mainConnections filters the registry listing to sessions accepted on
// the main listener's port.
func (c *Console) mainConnections() []registry.Entry {
	port := util.PortOf(c.addresses().Main)
	all := c.Registry.ListActive()
	out := all[:0]
	for _, e := range all {
		if port != 0 && util.PortOf(e.LocalAddr) == port {
			out = append(out, e)
		}
	}
	return out
}

func (c *Console) toggle(ctx context.Context, name string, on bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		st  plugin.Status
		err error
	)
	if on {
		st, err = c.Pipeline.Enable(ctx, name)
	} else {
		st, err = c.Pipeline.Disable(ctx, name)
	}
	switch {
	case srverr.Is(err, srverr.ErrNotFound):
		return fmt.Sprintf("No such plugin '%s'.", name)
	case err != nil:
		c.Logger.Warn("%s %s: %v", st, name, err)
		return fmt.Sprintf("Plugin '%s' %s, but its hook failed: %v", name, st, err)
	case st == plugin.AlreadyEnabled || st == plugin.AlreadyDisabled:
		return fmt.Sprintf("Plugin '%s' is %s.", name, st)
	}
	c.Logger.Info("admin %s plugin %s", st, name)
	return fmt.Sprintf("Plugin '%s' %s.", name, st)
}

func (c *Console) changePass(v string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Secret.Set(v)
	c.Logger.Info("shared secret changed by admin")
	return "Password changed."
}

func (c *Console) regenCerts() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range c.Pipeline.Enabled() {
		p, ok := c.Pipeline.Lookup(name)
		if !ok {
			continue
		}
		cr, ok := p.(CertRegenerator)
		if !ok {
			continue
		}
		fp, err := cr.RegenerateCerts()
		if err != nil {
			c.Logger.Error("regenerating %s certificate: %v", name, err)
			return fmt.Sprintf("Error regenerating certificates: %v", err)
		}
		c.Logger.Info("%s certificate regenerated (%s)", name, fp)
		return fmt.Sprintf("Certificates regenerated. SHA-256 fingerprint: %s", fp)
	}
	return "No enabled plugin manages certificates. Enable 'tls' first."
}

func reply(text string) console.Reply { return console.Reply{Text: text} }
