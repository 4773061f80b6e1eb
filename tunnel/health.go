package tunnel

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"sessiond/internal/retry"
)

func (rt *ReverseTunnel) startKeepalive() {
	if rt.cfg.KeepAliveInterval <= 0 {
		return
	}
	rt.mu.Lock()
	client := rt.client
	rt.mu.Unlock()

	rt.wg.Add(1)
	go rt.keepaliveLoop(client)
}

// keepaliveLoop pings the gateway.  On failure it drops the listener so
// the accept loop notices and reconnects.
func (rt *ReverseTunnel) keepaliveLoop(client *ssh.Client) {
	defer rt.wg.Done()

	ticker := time.NewTicker(rt.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				rt.logger.Warn("SSH keepalive failed: %v", err)
				rt.metrics.RecordError(fmt.Sprintf("tunnel keepalive: %v", err))
				rt.mu.Lock()
				if rt.listener != nil {
					rt.listener.Close()
					rt.listener = nil
				}
				rt.mu.Unlock()
				return
			}
			rt.logger.Debug("SSH keepalive OK")
		}
	}
}

// reconnect replaces the client and listener, retrying with the
// configured backoff.  Only the accept loop calls it.
func (rt *ReverseTunnel) reconnect() error {
	rt.setState(StateReconnecting, nil)
	rt.metrics.TunnelReconnect()

	rt.mu.Lock()
	if rt.listener != nil {
		rt.listener.Close()
		rt.listener = nil
	}
	if rt.client != nil {
		rt.client.Close()
		rt.client = nil
	}
	rt.reconnects++
	rt.mu.Unlock()

	b := retry.DefaultBackoff()
	if rt.cfg.Backoff != nil {
		cp := *rt.cfg.Backoff
		b = &cp
	}
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		rt.logger.Warn("reconnect attempt %d: %v (next in %s)", attempt, err, wait)
		rt.metrics.RecordError(fmt.Sprintf("tunnel reconnect %d: %v", attempt, err))
	}

	if err := b.Do(rt.ctx, func(int) error { return rt.connect() }); err != nil {
		return err
	}
	rt.setState(StateUp, nil)
	rt.logger.Info("reverse tunnel reconnected: %s -> %s", rt.remoteAddr(), rt.localAddr())
	rt.startKeepalive()
	return nil
}
