package admin

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"sessiond/internal/auth"
	srverr "sessiond/internal/errors"
	"sessiond/internal/metrics"
	"sessiond/internal/plugin"
	"sessiond/internal/protocol"
	"sessiond/internal/registry"
	"sessiond/internal/session"
	"sessiond/internal/transport"
	"sessiond/util"
)

func newConsole(t *testing.T, plugins ...plugin.Plugin) *Console {
	t.Helper()
	m := metrics.New()
	pl := plugin.NewPipeline(transport.Plain{}, util.Discard(), m)
	for _, p := range plugins {
		if err := pl.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	return &Console{
		Secret:   auth.NewSecret("oldsecret"),
		Registry: registry.New(util.Discard(), registry.WithMetrics(m)),
		Pipeline: pl,
		Logger:   util.Discard(),
		Metrics:  m,
	}
}

func run(c *Console, line string) string {
	return c.Handle(context.Background(), nil, line).Text
}

type stub struct {
	name   string
	failOn bool
	fp     string
}

func (s *stub) Name() string        { return s.name }
func (s *stub) Description() string { return "stub " + s.name }

func (s *stub) OnRegister(_ context.Context, cur transport.Transport) (transport.Transport, error) {
	if s.failOn {
		return nil, errors.New("boom")
	}
	return nil, nil
}

func (s *stub) RegenerateCerts() (string, error) { return s.fp, nil }

// handshake authenticates a fresh pipe session with secret against gate.
func handshake(t *testing.T, g *auth.Gate, secret string) string {
	t.Helper()
	server, peer := net.Pipe()
	defer server.Close()
	defer peer.Close()

	reply := make(chan string, 1)
	go func() {
		peer.Write([]byte(secret + "\n")) //nolint:errcheck
		line, _ := bufio.NewReader(peer).ReadString('\n')
		reply <- strings.TrimSpace(line)
	}()
	g.Authenticate(session.New(1, server, "")) //nolint:errcheck
	return <-reply
}

func TestChangePass(t *testing.T) {
	c := newConsole(t)
	g := &auth.Gate{
		Secret:            c.Secret,
		CredentialTimeout: time.Second,
		ShellTimeout:      50 * time.Millisecond,
		Logger:            util.Discard(),
	}

	if got := run(c, "change pass newsecret12"); got != "Password changed." {
		t.Fatalf("got %q", got)
	}
	if got := handshake(t, g, "oldsecret"); got != protocol.Rejected {
		t.Errorf("old password: got %q, want %q", got, protocol.Rejected)
	}
	if got := handshake(t, g, "newsecret12"); got != protocol.Confirmed {
		t.Errorf("new password: got %q, want %q", got, protocol.Confirmed)
	}
}

func TestChangePass_Usage(t *testing.T) {
	c := newConsole(t)
	for _, line := range []string{"change pass", "change pass a b"} {
		if got := run(c, line); got != "Usage: change pass <new_pass>" {
			t.Errorf("%q: got %q", line, got)
		}
	}
	if c.Secret.Get() != "oldsecret" {
		t.Error("secret changed by a malformed command")
	}
}

func TestEnableDisable(t *testing.T) {
	c := newConsole(t, &stub{name: "tls"})

	steps := []struct{ line, want string }{
		{"enable tls", "Plugin 'tls' enabled."},
		{"enable tls", "Plugin 'tls' is already enabled."},
		{"disable tls", "Plugin 'tls' disabled."},
		{"disable tls", "Plugin 'tls' is already disabled."},
		{"enable nope", "No such plugin 'nope'."},
	}
	for _, s := range steps {
		if got := run(c, s.line); got != s.want {
			t.Errorf("%q: got %q, want %q", s.line, got, s.want)
		}
	}
}

func TestEnable_HookFailureStillEnables(t *testing.T) {
	c := newConsole(t, &stub{name: "bad", failOn: true})
	got := run(c, "enable bad")
	if !strings.HasPrefix(got, "Plugin 'bad' enabled, but its hook failed") {
		t.Errorf("got %q", got)
	}
	if !c.Pipeline.IsEnabled("bad") {
		t.Error("plugin should be enabled despite the hook failure")
	}
}

func TestListPlugins(t *testing.T) {
	c := newConsole(t, &stub{name: "tls"}, &stub{name: "http"})
	run(c, "enable tls")

	want := "Discovered plugins:\n" +
		"  http (DISABLED) - stub http\n" +
		"  tls (ENABLED) - stub tls\n" +
		"Enabled plugins: tls"
	if got := run(c, "list"); got != want {
		t.Errorf("got\n%s\nwant\n%s", got, want)
	}
}

func TestStatus(t *testing.T) {
	c := newConsole(t, &stub{name: "tls"})
	c.SetAddresses(Addresses{Main: "127.0.0.1:27015", Operator: "127.0.0.1:20022", Admin: "127.0.0.1:9999"})
	run(c, "enable tls")

	got := run(c, "status")
	for _, want := range []string{
		"password:         oldsecret",
		"main listener:    127.0.0.1:27015 (plain)",
		"enabled plugins:  tls",
		"live sessions:    0",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
}

// tcpPair returns the accepted end of a loopback connection to ln.
func tcpPair(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	peer, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		peer.Close()
		conn.Close()
	})
	return conn
}

func TestListConnections_MainPortOnly(t *testing.T) {
	c := newConsole(t)
	main, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer main.Close()
	aux, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer aux.Close()
	c.SetAddresses(Addresses{Main: main.Addr().String()})

	for _, ln := range []net.Listener{main, aux, main} {
		s := c.Registry.Admit(tcpPair(t, ln), "")
		c.Registry.MarkAuthenticated(s.ID, "")
	}

	got := run(c, "list connections")
	lines := strings.Split(got, "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "#1 ") || !strings.HasPrefix(lines[1], "#3 ") {
		t.Errorf("got %q, want sessions #1 and #3 only", got)
	}
}

func TestListConnections_Empty(t *testing.T) {
	c := newConsole(t)
	c.SetAddresses(Addresses{Main: "127.0.0.1:27015"})
	if got := run(c, "list connections"); got != "No active connections." {
		t.Errorf("got %q", got)
	}
}

func TestRegenCerts(t *testing.T) {
	c := newConsole(t, &stub{name: "tls", fp: "ab:cd"})
	if got := run(c, "regen certs"); !strings.HasPrefix(got, "No enabled plugin manages certificates") {
		t.Errorf("before enable: got %q", got)
	}
	run(c, "enable tls")
	if got := run(c, "regen certs"); !strings.HasSuffix(got, "ab:cd") {
		t.Errorf("got %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	c := newConsole(t)
	want := "Unknown command 'frobnicate now'. Type 'help' for usage."
	if got := run(c, "frobnicate now"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExitAndMetrics(t *testing.T) {
	c := newConsole(t)
	if rep := c.Handle(context.Background(), nil, "exit"); !rep.Close {
		t.Error("exit should close the console")
	}
	if got := run(c, "metrics"); !strings.Contains(got, "sessions_live") {
		t.Errorf("metrics: got %q", got)
	}
}

func TestToggle_NotFoundIsTyped(t *testing.T) {
	c := newConsole(t)
	_, err := c.Pipeline.Enable(context.Background(), "ghost")
	if !srverr.Is(err, srverr.ErrNotFound) {
		t.Fatalf("Enable(ghost) = %v, want ErrNotFound", err)
	}
}
