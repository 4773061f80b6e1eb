package plugins

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"sessiond/internal/metrics"
	"sessiond/internal/plugin"
	"sessiond/internal/transport"
	"sessiond/tunnel"
	"sessiond/util"
)

// Tunnel publishes the main session listener on an SSH gateway while
// enabled.
type Tunnel struct {
	Config   tunnel.Config // LocalAddress/LocalPort are filled from MainAddr
	MainAddr func() string
	Prompt   tunnel.PromptFunc
	Logger   *util.Logger
	Metrics  *metrics.Collector

	mu      sync.Mutex
	rt      *tunnel.ReverseTunnel
	lastErr error
}

func (p *Tunnel) Name() string        { return "tunnel" }
func (p *Tunnel) Description() string { return "expose the session port on an SSH gateway" }

func (p *Tunnel) OnRegister(context.Context, transport.Transport) (transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Config.SSH == nil || p.Config.SSH.Host == "" {
		p.lastErr = fmt.Errorf("no gateway configured (set tunnel.gateway)")
		return nil, p.lastErr
	}
	cfg := p.Config
	host, port, err := net.SplitHostPort(p.MainAddr())
	if err != nil {
		p.lastErr = fmt.Errorf("main listener address: %w", err)
		return nil, p.lastErr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	cfg.LocalAddress = host
	cfg.LocalPort, _ = strconv.Atoi(port)

	rt := tunnel.NewReverseTunnel(&cfg, p.Prompt, p.Logger, p.Metrics)
	if err := rt.Start(context.Background()); err != nil {
		p.lastErr = err
		return nil, err
	}
	p.rt, p.lastErr = rt, nil
	return nil, nil
}

func (p *Tunnel) OnDeregister(context.Context, transport.Transport) (transport.Transport, error) {
	p.mu.Lock()
	rt := p.rt
	p.rt = nil
	p.mu.Unlock()
	if rt == nil {
		return nil, nil
	}
	return nil, rt.Close()
}

// Status reports the running tunnel, if any.
func (p *Tunnel) Status() (tunnel.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rt == nil {
		return tunnel.Status{}, false
	}
	return p.rt.Status(), true
}

func (p *Tunnel) OnCommand(_ context.Context, cmd *plugin.Command) (bool, error) {
	if cmd.Verb() != "tunnel" {
		return false, nil
	}
	if args := cmd.Args(); len(args) > 0 && args[0] != "status" {
		cmd.Reply("Usage: tunnel [status]")
		return true, nil
	}

	st, ok := p.Status()
	if !ok {
		p.mu.Lock()
		err := p.lastErr
		p.mu.Unlock()
		if err != nil {
			cmd.Reply("Tunnel not running: %v", err)
		} else {
			cmd.Reply("Tunnel not running.")
		}
		return true, nil
	}
	cmd.Reply("Tunnel %s since %s", st.State, st.Since.Format(time.RFC3339))
	cmd.Reply("Gateway: %s", st.Gateway)
	cmd.Reply("Remote: %s -> local %s", st.Remote, st.Local)
	cmd.Reply("Forwarded: %d, reconnects: %d", st.Forwarded, st.Reconnects)
	if st.LastError != "" {
		cmd.Reply("Last error: %s", st.LastError)
	}
	return true, nil
}
