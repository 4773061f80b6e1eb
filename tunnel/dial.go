package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	srverr "sessiond/internal/errors"
)

// dialSSH opens an authenticated client connection to the gateway.
func (rt *ReverseTunnel) dialSSH(ctx context.Context) (*ssh.Client, error) {
	cfg := rt.cfg.SSH

	methods, err := BuildAuthMethods(cfg, rt.prompt)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	hkCb, err := HostKeyCallback(cfg)
	if err != nil {
		return nil, fmt.Errorf("host-key callback: %w", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: hkCb,
		Timeout:         cfg.ConnTimeout,
		// Public tunnel services print the assigned URL in the banner.
		BannerCallback: func(message string) error {
			rt.logger.Info("gateway banner: %s", message)
			return nil
		},
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	rt.logger.Debug("dialing SSH %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, srverr.Wrap("dial", addr, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, clientCfg)
	if err != nil {
		raw.Close()
		return nil, srverr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}

	client := ssh.NewClient(conn, chans, reqs)
	go rt.drainServerMessages(client)
	return client, nil
}

// drainServerMessages logs whatever the gateway prints on a session
// channel.  Gateways that refuse sessions are fine.
func (rt *ReverseTunnel) drainServerMessages(client *ssh.Client) {
	sess, err := client.NewSession()
	if err != nil {
		rt.logger.Debug("no message session: %v", err)
		return
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return
	}
	sess.Shell() //nolint:errcheck

	var wg sync.WaitGroup
	drain := func(r io.Reader) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			rt.logger.Info("gateway: %s", sc.Text())
		}
	}
	wg.Add(2)
	go drain(stdout)
	go drain(stderr)
	wg.Wait()
}
