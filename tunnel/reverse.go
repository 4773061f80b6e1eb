package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"sessiond/internal/metrics"
	"sessiond/util"
)

const (
	localDialTimeout = 5 * time.Second
	closeGrace       = 5 * time.Second
)

// ReverseTunnel forwards connections arriving on a remote SSH gateway
// to a local TCP address.
type ReverseTunnel struct {
	cfg     *Config
	prompt  PromptFunc
	logger  *util.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	client     *ssh.Client
	listener   net.Listener
	state      State
	since      time.Time
	lastErr    error
	reconnects int
	closed     bool

	forwarded atomic.Int64
}

// NewReverseTunnel returns a tunnel ready to [ReverseTunnel.Start].
// prompt may be nil to read secrets from the terminal.
func NewReverseTunnel(cfg *Config, prompt PromptFunc, logger *util.Logger, m *metrics.Collector) *ReverseTunnel {
	if cfg.LocalAddress == "" {
		cfg.LocalAddress = "127.0.0.1"
	}
	return &ReverseTunnel{
		cfg:     cfg,
		prompt:  prompt,
		logger:  logger,
		metrics: m,
		state:   StateIdle,
		since:   time.Now(),
	}
}

// Start connects to the gateway, requests the remote listener and
// begins forwarding.  The tunnel runs until ctx is cancelled or Close
// is called.
func (rt *ReverseTunnel) Start(ctx context.Context) error {
	rt.ctx, rt.cancel = context.WithCancel(ctx)

	if err := rt.connect(); err != nil {
		rt.setState(StateDown, err)
		rt.cancel()
		return err
	}
	rt.setState(StateUp, nil)
	rt.logger.Info("reverse tunnel up: %s (gateway) -> %s", rt.remoteAddr(), rt.localAddr())

	go func() {
		<-rt.ctx.Done()
		rt.mu.Lock()
		if rt.listener != nil {
			rt.listener.Close()
		}
		rt.mu.Unlock()
	}()

	rt.startKeepalive()
	rt.wg.Add(1)
	go rt.acceptLoop()
	return nil
}

// connect dials the gateway and installs a fresh client and listener.
func (rt *ReverseTunnel) connect() error {
	client, err := rt.dialSSH(rt.ctx)
	if err != nil {
		return fmt.Errorf("SSH connection: %w", err)
	}
	ln, err := listenRemoteForward(client, rt.cfg.RemoteBindAddress, rt.cfg.RemotePort)
	if err != nil {
		client.Close()
		return fmt.Errorf("remote listen on %s: %w", rt.remoteAddr(), err)
	}

	rt.mu.Lock()
	rt.client = client
	rt.listener = ln
	rt.mu.Unlock()
	return nil
}

// Close tears down the listener, the SSH client and active forwards.
func (rt *ReverseTunnel) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	if rt.cancel != nil {
		rt.cancel()
	}

	var errs []error
	rt.mu.Lock()
	if rt.listener != nil {
		rt.listener.Close()
		rt.listener = nil
	}
	rt.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		errs = append(errs, fmt.Errorf("timeout waiting for forwards to finish"))
	}

	rt.mu.Lock()
	if rt.client != nil {
		if err := rt.client.Close(); err != nil && !util.IsClosedErr(err) {
			errs = append(errs, fmt.Errorf("SSH close: %w", err))
		}
		rt.client = nil
	}
	rt.mu.Unlock()

	rt.setState(StateClosed, nil)
	if len(errs) > 0 {
		return fmt.Errorf("reverse tunnel close: %v", errs)
	}
	return nil
}

// Status reports the tunnel's current state.
func (rt *ReverseTunnel) Status() Status {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := Status{
		State:      rt.state,
		Gateway:    net.JoinHostPort(rt.cfg.SSH.Host, strconv.Itoa(rt.cfg.SSH.Port)),
		Remote:     rt.remoteAddrLocked(),
		Local:      rt.localAddr(),
		Forwarded:  rt.forwarded.Load(),
		Reconnects: rt.reconnects,
		Since:      rt.since,
	}
	if rt.lastErr != nil {
		st.LastError = rt.lastErr.Error()
	}
	return st
}

func (rt *ReverseTunnel) setState(s State, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state == StateClosed {
		return
	}
	rt.state = s
	rt.since = time.Now()
	if err != nil {
		rt.lastErr = err
	}
}

func (rt *ReverseTunnel) remoteAddr() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.remoteAddrLocked()
}

func (rt *ReverseTunnel) remoteAddrLocked() string {
	if rt.listener != nil {
		if a, ok := rt.listener.Addr().(*net.TCPAddr); ok {
			return net.JoinHostPort(rt.cfg.RemoteBindAddress, strconv.Itoa(a.Port))
		}
	}
	return net.JoinHostPort(rt.cfg.RemoteBindAddress, strconv.Itoa(rt.cfg.RemotePort))
}

func (rt *ReverseTunnel) localAddr() string {
	return net.JoinHostPort(rt.cfg.LocalAddress, strconv.Itoa(rt.cfg.LocalPort))
}

// ── Accept loop ──────────────────────────────────────────────────────

func (rt *ReverseTunnel) acceptLoop() {
	defer rt.wg.Done()

	for {
		rt.mu.Lock()
		ln := rt.listener
		rt.mu.Unlock()
		if ln == nil && rt.ctx.Err() != nil {
			return
		}

		var (
			conn net.Conn
			err  error
		)
		if ln != nil {
			conn, err = ln.Accept()
		} else {
			err = fmt.Errorf("gateway connection lost")
		}
		if err != nil {
			if rt.ctx.Err() != nil {
				return
			}
			rt.logger.Warn("reverse tunnel accept: %v", err)
			rt.metrics.RecordError(fmt.Sprintf("tunnel accept: %v", err))
			if !rt.cfg.AutoReconnect {
				rt.setState(StateDown, err)
				return
			}
			if err := rt.reconnect(); err != nil {
				rt.logger.Error("reverse tunnel reconnect failed, giving up: %v", err)
				rt.setState(StateDown, err)
				return
			}
			continue
		}

		rt.forwarded.Add(1)
		rt.wg.Add(1)
		go rt.forward(conn)
	}
}

// forward bridges one gateway connection to the local address.
func (rt *ReverseTunnel) forward(remote net.Conn) {
	defer rt.wg.Done()
	defer remote.Close()

	start := time.Now()
	target := rt.localAddr()
	local, err := net.DialTimeout("tcp", target, localDialTimeout)
	if err != nil {
		rt.logger.Error("reverse tunnel: local dial %s: %v", target, err)
		rt.metrics.RecordError(fmt.Sprintf("tunnel local dial %s: %v", target, err))
		return
	}

	from := remote.RemoteAddr().String()
	rt.logger.Verbose("reverse tunnel: bridging %s <-> %s", from, target)
	in, out := util.BridgeConns(rt.ctx, remote, local)
	rt.metrics.BytesReceived(in)
	rt.metrics.BytesSent(out)
	rt.logger.Verbose("reverse tunnel: %s closed after %v (in=%d out=%d)",
		from, time.Since(start).Truncate(time.Millisecond), in, out)
}
