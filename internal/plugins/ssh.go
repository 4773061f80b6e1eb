package plugins

import (
	"context"
	"sync"

	"golang.org/x/crypto/ssh"

	"sessiond/internal/plugin"
	"sessiond/internal/transport"
	"sessiond/util"
)

// SSH wraps the session listener in an SSH server.  The host key is
// read from HostKeyPath, or generated once per process.
type SSH struct {
	HostKeyPath string
	Logger      *util.Logger

	mu     sync.Mutex
	signer ssh.Signer
	layer  *transport.SSH
}

func (p *SSH) Name() string        { return "ssh" }
func (p *SSH) Description() string { return "wrap the session listener in SSH" }

func (p *SSH) hostKey() (ssh.Signer, error) {
	if p.signer != nil {
		return p.signer, nil
	}
	var (
		s   ssh.Signer
		err error
	)
	if p.HostKeyPath != "" {
		s, err = transport.LoadHostKey(p.HostKeyPath)
	} else {
		s, err = transport.GenerateHostKey()
	}
	if err != nil {
		return nil, err
	}
	p.signer = s
	return s, nil
}

func (p *SSH) OnRegister(_ context.Context, current transport.Transport) (transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, err := p.hostKey()
	if err != nil {
		return nil, err
	}
	p.layer = transport.NewSSH(current, key)
	p.Logger.Info("SSH enabled, host key %s", p.layer.Fingerprint())
	return p.layer, nil
}

func (p *SSH) OnDeregister(_ context.Context, current transport.Transport) (transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.layer == nil {
		return nil, nil
	}
	layer := p.layer
	p.layer = nil
	return unlayer("ssh", current, layer)
}

func (p *SSH) OnCommand(_ context.Context, cmd *plugin.Command) (bool, error) {
	if cmd.Verb() != "ssh" {
		return false, nil
	}
	if args := cmd.Args(); len(args) > 0 && args[0] != "info" {
		cmd.Reply("Usage: ssh [info]")
		return true, nil
	}

	p.mu.Lock()
	signer, active := p.signer, p.layer != nil
	p.mu.Unlock()
	cmd.Reply("SSH active: %t", active)
	cmd.Reply("Transport: %s", transport.Describe(cmd.Transport))
	if signer != nil {
		cmd.Reply("Host key: %s %s", signer.PublicKey().Type(), ssh.FingerprintSHA256(signer.PublicKey()))
	}
	return true, nil
}
