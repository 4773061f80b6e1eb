// Package plugins holds the optional behaviours an administrator can
// enable at runtime: transport wrappers (tls, ssh), the HTTP demo
// responder, port scanning, secret rotation and the reverse tunnel.
package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sessiond/internal/plugin"
	"sessiond/internal/transport"
	"sessiond/util"
)

// TLS wraps the session listener in TLS.  Certificates are loaded from
// CertFile/KeyFile when both are set, otherwise generated on first use.
type TLS struct {
	Hosts    []string
	CertFile string
	KeyFile  string
	Logger   *util.Logger

	mu    sync.Mutex
	store *transport.CertStore
	layer *transport.TLS
}

func (p *TLS) Name() string        { return "tls" }
func (p *TLS) Description() string { return "wrap the session listener in TLS" }

func (p *TLS) certStore() (*transport.CertStore, error) {
	if p.store != nil {
		return p.store, nil
	}
	var (
		s   *transport.CertStore
		err error
	)
	if p.CertFile != "" && p.KeyFile != "" {
		s, err = transport.NewFileStore(p.CertFile, p.KeyFile)
	} else {
		s, err = transport.NewSelfSignedStore(p.Hosts...)
	}
	if err != nil {
		return nil, err
	}
	p.store = s
	return s, nil
}

func (p *TLS) OnRegister(_ context.Context, current transport.Transport) (transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	store, err := p.certStore()
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	p.layer = transport.NewTLS(current, store)
	p.Logger.Info("TLS enabled, certificate %s", store.Fingerprint())
	return p.layer, nil
}

func (p *TLS) OnDeregister(_ context.Context, current transport.Transport) (transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.layer == nil {
		return nil, nil
	}
	layer := p.layer
	p.layer = nil
	return unlayer("tls", current, layer)
}

// RegenerateCerts swaps in a new certificate.  Connections accepted
// afterwards present it; established ones are unaffected.
func (p *TLS) RegenerateCerts() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	store, err := p.certStore()
	if err != nil {
		return "", err
	}
	if err := store.Regenerate(); err != nil {
		return "", err
	}
	return store.Fingerprint(), nil
}

func (p *TLS) OnCommand(_ context.Context, cmd *plugin.Command) (bool, error) {
	if cmd.Verb() != "tls" {
		return false, nil
	}
	args := cmd.Args()
	switch {
	case len(args) == 0 || args[0] == "info":
		p.mu.Lock()
		store, active := p.store, p.layer != nil
		p.mu.Unlock()
		cmd.Reply("TLS active: %t", active)
		cmd.Reply("Transport: %s", transport.Describe(cmd.Transport))
		if store != nil {
			cmd.Reply("Certificate SHA-256: %s", store.Fingerprint())
			cmd.Reply("Expires: %s", store.NotAfter().Format(time.RFC3339))
		}
	case args[0] == "regen":
		fp, err := p.RegenerateCerts()
		if err != nil {
			cmd.Reply("Error regenerating certificate: %v", err)
			break
		}
		cmd.Reply("Certificate regenerated: %s", fp)
	default:
		cmd.Reply("Usage: tls [info|regen]")
	}
	return true, nil
}

// unlayer removes layer from current.
func unlayer(name string, current, layer transport.Transport) (transport.Transport, error) {
	next, ok := transport.Without(current, layer)
	if !ok {
		return nil, fmt.Errorf("%s layer not found in %s", name, transport.Describe(current))
	}
	return next, nil
}
