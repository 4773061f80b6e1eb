// Package core is the orchestration layer.  It wires the registry,
// authentication gate, plugin pipeline and both consoles into a single
// [Server] and owns their lifecycle.
//
// Architecture layers (bottom → top):
//
//	transport  →  session  →  registry/auth  →  router/admin  →  core  →  cmd (CLI)
package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sessiond/config"
	"sessiond/internal/admin"
	"sessiond/internal/auth"
	"sessiond/internal/console"
	"sessiond/internal/metrics"
	"sessiond/internal/plugin"
	"sessiond/internal/plugins"
	"sessiond/internal/registry"
	"sessiond/internal/router"
	"sessiond/internal/transport"
	"sessiond/tunnel"
	"sessiond/util"
)

const (
	dnsTimeout      = 2 * time.Second
	operatorPrompt  = "operator> "
	adminPrompt     = "> "
	statusReadLimit = 5 * time.Second
)

// Server is one running sessiond instance.
type Server struct {
	Secret   *auth.Secret
	Registry *registry.Registry
	Pipeline *plugin.Pipeline
	Gate     *auth.Gate
	Router   *router.Router
	Admin    *admin.Console
	Metrics  *metrics.Collector

	cfg      *config.Config
	logger   *util.Logger
	operator *console.Server
	admin    *console.Server

	mu      sync.Mutex
	closing bool
	addrs   admin.Addresses
	status  string
	ready   chan struct{}
	conns   sync.WaitGroup // per-connection handshakes
}

// Build constructs a Server from cfg.  Nothing is bound until Run.
func Build(cfg *config.Config, logger *util.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := metrics.New()
	s := &Server{
		Secret:  auth.NewSecret(cfg.Secret),
		Metrics: m,
		cfg:     cfg,
		logger:  logger,
		ready:   make(chan struct{}),
	}

	opts := []registry.Option{registry.WithMetrics(m)}
	if !cfg.NoDNS {
		opts = append(opts, registry.WithResolver(registry.DNSResolver(dnsTimeout)))
	}
	s.Registry = registry.New(logger.Named("registry"), opts...)

	s.Pipeline = plugin.NewPipeline(transport.Plain{}, logger.Named("plugin"), m)
	for _, p := range s.catalog() {
		if err := s.Pipeline.Register(p); err != nil {
			return nil, err
		}
	}

	s.Gate = &auth.Gate{
		Secret:            s.Secret,
		CredentialTimeout: cfg.AuthTimeout,
		ShellTimeout:      cfg.ShellTimeout,
		MaxCredential:     cfg.MaxCredential,
		Logger:            logger.Named("auth"),
		Metrics:           m,
	}
	s.Router = &router.Router{
		Registry:       s.Registry,
		Pipeline:       s.Pipeline,
		Marker:         cfg.Marker,
		MaxResponse:    cfg.MaxResponse,
		ForwardTimeout: cfg.ForwardTimeout,
		Logger:         logger.Named("operator"),
		Metrics:        m,
	}
	s.Admin = &admin.Console{
		Secret:   s.Secret,
		Registry: s.Registry,
		Pipeline: s.Pipeline,
		Logger:   logger.Named("admin"),
		Metrics:  m,
	}
	s.operator = &console.Server{
		Name:     "operator",
		Greeting: "sessiond operator console. Type 'help' for commands.",
		Prompt:   operatorPrompt,
		Handler:  s.Router,
		Logger:   logger.Named("operator"),
	}
	s.admin = &console.Server{
		Name:     "admin",
		Greeting: "sessiond admin console. Type 'help' for commands.",
		Prompt:   adminPrompt,
		Handler:  s.Admin,
		Logger:   logger.Named("admin"),
	}
	return s, nil
}

// catalog returns every plugin the server knows about, configured from
// cfg.  Registration order is listing order.
func (s *Server) catalog() []plugin.Plugin {
	cfg := s.cfg
	return []plugin.Plugin{
		&plugins.TLS{
			Hosts:    cfg.TLS.Hosts,
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			Logger:   s.logger.Named("tls"),
		},
		&plugins.SSH{HostKeyPath: cfg.SSH.HostKey, Logger: s.logger.Named("ssh")},
		&plugins.HTTP{Sessions: s.Registry, Logger: s.logger.Named("http")},
		&plugins.PortScan{Logger: s.logger.Named("portscan")},
		&plugins.Rotation{
			Secret:   s.Secret,
			Schedule: cfg.Rotation.Schedule,
			Length:   cfg.Rotation.Length,
			Logger:   s.logger.Named("rotation"),
		},
		&plugins.Tunnel{
			Config:   tunnelConfig(cfg),
			MainAddr: s.MainAddr,
			Prompt:   tunnel.TerminalPrompt,
			Logger:   s.logger.Named("tunnel"),
			Metrics:  s.Metrics,
		},
	}
}

// tunnelConfig maps the tunnel section onto a tunnel.Config.  The local
// side is filled in by the plugin once the main listener is bound.
func tunnelConfig(cfg *config.Config) tunnel.Config {
	tc := cfg.Tunnel
	out := tunnel.Config{
		RemoteBindAddress: tc.RemoteBindAddress,
		RemotePort:        tc.RemotePort,
		KeepAliveInterval: tc.KeepAlive,
		AutoReconnect:     tc.AutoReconnect,
	}
	if tc.Gateway == "" {
		return out
	}
	user, host, port, err := config.ParseTunnelSpec(tc.Gateway)
	if err != nil {
		return out // rejected by Validate
	}
	out.SSH = &tunnel.SSHConfig{
		User:          user,
		Host:          host,
		Port:          port,
		KeyPath:       tc.KeyPath,
		PromptPass:    tc.PromptPassword,
		UseAgent:      tc.UseAgent,
		StrictHostKey: tc.StrictHostKey,
		KnownHosts:    tc.KnownHosts,
		ConnTimeout:   tc.Timeout,
	}
	return out
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addresses returns the bound listener addresses; empty before Ready.
func (s *Server) Addresses() admin.Addresses {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs
}

// MainAddr returns the bound session listener address.
func (s *Server) MainAddr() string { return s.Addresses().Main }

// StatusAddr returns the bound status endpoint address, if any.
func (s *Server) StatusAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run binds every listener, enables the configured plugins and serves
// until ctx is cancelled or a listener fails.  Failing to bind any
// listener is fatal.  On return everything has been shut down.
func (s *Server) Run(ctx context.Context) error {
	lns, err := s.bind()
	if err != nil {
		return err
	}

	addrs := admin.Addresses{
		Main:     lns.main.Addr().String(),
		Operator: lns.operator.Addr().String(),
		Admin:    lns.admin.Addr().String(),
	}
	s.mu.Lock()
	s.addrs = addrs
	if lns.status != nil {
		s.status = lns.status.Addr().String()
	}
	s.mu.Unlock()
	s.Admin.SetAddresses(addrs)
	close(s.ready)

	for _, name := range s.cfg.Plugins {
		if _, err := s.Pipeline.Enable(ctx, strings.ToLower(name)); err != nil {
			s.logger.Warn("startup plugin %s: %v", name, err)
		}
	}
	s.logger.Info("sessions on %s (%s), operator on %s, admin on %s",
		addrs.Main, transport.Describe(s.Pipeline.Transport()), addrs.Operator, addrs.Admin)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.Registry.RunSweeper(sweepCtx, s.cfg.SweepInterval)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, lns.main) })
	g.Go(func() error { return s.operator.Serve(gctx, lns.operator) })
	g.Go(func() error { return s.admin.Serve(gctx, lns.admin) })

	var status *http.Server
	if lns.status != nil {
		status = &http.Server{Handler: s.statusRouter(), ReadHeaderTimeout: statusReadLimit}
		g.Go(func() error { return serveStatus(status, lns.status) })
		s.logger.Info("status endpoint on http://%s", lns.status.Addr())
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(lns, stopSweep, sweepDone, status)
		return nil
	})
	return g.Wait()
}

// shutdown tears the server down in a fixed order: session listener,
// sessions, consoles, sweeper, status endpoint, plugins.
func (s *Server) shutdown(lns *listeners, stopSweep context.CancelFunc, sweepDone <-chan struct{}, status *http.Server) {
	s.logger.Info("shutting down")

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	lns.main.Close()

	// A console blocked on a routed command returns only once its
	// session is closed.
	s.Registry.CloseAll()
	s.conns.Wait()

	s.operator.Close()
	s.admin.Close()

	stopSweep()
	<-sweepDone

	if status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
		status.Shutdown(ctx) //nolint:errcheck
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
	defer cancel()
	s.Pipeline.DisableAll(ctx)
	s.logger.Info("shutdown complete")
}

// ── listeners ────────────────────────────────────────────────────────

type listeners struct {
	main, operator, admin, status net.Listener
}

func (l *listeners) close() {
	for _, ln := range []net.Listener{l.main, l.operator, l.admin, l.status} {
		if ln != nil {
			ln.Close()
		}
	}
}

func (s *Server) bind() (*listeners, error) {
	lns := &listeners{}
	specs := []struct {
		name string
		port int
		dst  *net.Listener
	}{
		{"session", s.cfg.MainPort, &lns.main},
		{"operator", s.cfg.OperatorPort, &lns.operator},
		{"admin", s.cfg.AdminPort, &lns.admin},
	}
	for _, sp := range specs {
		addr := util.FormatAddr(s.cfg.Host, sp.port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lns.close()
			return nil, fmt.Errorf("bind %s listener on %s: %w", sp.name, addr, err)
		}
		*sp.dst = ln
	}
	if s.cfg.StatusAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.StatusAddr)
		if err != nil {
			lns.close()
			return nil, fmt.Errorf("bind status listener on %s: %w", s.cfg.StatusAddr, err)
		}
		lns.status = ln
	}
	return lns, nil
}
