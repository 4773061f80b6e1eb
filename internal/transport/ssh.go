package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSH wraps another transport in an SSH server connection.  The first
// "session" channel the peer opens becomes the session stream; later
// channels are rejected.  SSH-level authentication is not required:
// the in-band credential exchange still decides admission.
type SSH struct {
	inner            Transport
	signer           ssh.Signer
	config           *ssh.ServerConfig
	HandshakeTimeout time.Duration
}

// NewSSH layers SSH over inner, presenting hostKey.
func NewSSH(inner Transport, hostKey ssh.Signer) *SSH {
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(hostKey)
	return &SSH{inner: inner, signer: hostKey, config: cfg}
}

// GenerateHostKey creates an ephemeral ed25519 host key.
func GenerateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

// LoadHostKey reads a PEM private key (OpenSSH, PKCS#8, PKCS#1 or SEC1).
func LoadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing host key %s: %w", path, err)
	}
	return signer, nil
}

func (t *SSH) Name() string { return "ssh" }

// Unwrap returns the transport SSH was layered over.
func (t *SSH) Unwrap() Transport { return t.inner }

// Rebase returns an SSH layer with the same host key over inner.
func (t *SSH) Rebase(inner Transport) Transport {
	n := NewSSH(inner, t.signer)
	n.HandshakeTimeout = t.HandshakeTimeout
	return n
}

// Fingerprint returns the SHA-256 fingerprint of the host key.
func (t *SSH) Fingerprint() string { return ssh.FingerprintSHA256(t.signer.PublicKey()) }

// Upgrade runs the SSH server handshake and waits for a session channel.
func (t *SSH) Upgrade(ctx context.Context, raw net.Conn) (net.Conn, error) {
	c, err := upgradeInner(ctx, t.inner, raw)
	if err != nil {
		return nil, err
	}

	timeout := handshakeTimeout(t.HandshakeTimeout)
	c.SetDeadline(time.Now().Add(timeout)) //nolint:errcheck
	sconn, chans, reqs, err := ssh.NewServerConn(c, t.config)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			sconn.Close()
			return nil, fmt.Errorf("ssh: no session channel: %w", ctx.Err())
		case nc, ok := <-chans:
			if !ok {
				return nil, fmt.Errorf("ssh: connection closed before a session channel was opened")
			}
			if nc.ChannelType() != "session" {
				nc.Reject(ssh.UnknownChannelType, "only session channels are accepted") //nolint:errcheck
				continue
			}
			ch, chReqs, err := nc.Accept()
			if err != nil {
				sconn.Close()
				return nil, fmt.Errorf("ssh: accepting channel: %w", err)
			}
			c.SetDeadline(time.Time{}) //nolint:errcheck
			go serveChannelRequests(chReqs)
			go rejectChannels(chans)
			return newChanConn(ch, sconn), nil
		}
	}
}

// serveChannelRequests agrees to the requests an interactive client
// sends before it starts talking (pty, env, shell) and refuses the rest.
func serveChannelRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "shell", "pty-req", "env":
			req.Reply(true, nil) //nolint:errcheck
		default:
			req.Reply(false, nil) //nolint:errcheck
		}
	}
}

func rejectChannels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		nc.Reject(ssh.Prohibited, "one session channel per connection") //nolint:errcheck
	}
}

// chanConn adapts an [ssh.Channel] to [net.Conn].  Channel reads are
// pumped through an in-memory pipe so read deadlines work; bytes that
// arrive after a deadline fired are delivered by the next Read.  Write
// deadlines are not supported.
type chanConn struct {
	ssh.Channel
	conn ssh.Conn
	rd   net.Conn
	once sync.Once
}

func newChanConn(ch ssh.Channel, conn ssh.Conn) *chanConn {
	rd, wr := net.Pipe()
	go func() {
		io.Copy(wr, ch) //nolint:errcheck
		wr.Close()
	}()
	return &chanConn{Channel: ch, conn: conn, rd: rd}
}

func (c *chanConn) Read(p []byte) (int, error) { return c.rd.Read(p) }

func (c *chanConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *chanConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetDeadline only bounds reads.
func (c *chanConn) SetDeadline(t time.Time) error     { return c.rd.SetReadDeadline(t) }
func (c *chanConn) SetReadDeadline(t time.Time) error { return c.rd.SetReadDeadline(t) }
func (c *chanConn) SetWriteDeadline(time.Time) error  { return ErrDeadlineUnsupported }

// Close closes the channel and the SSH connection beneath it.
func (c *chanConn) Close() error {
	var err error
	c.once.Do(func() {
		c.Channel.Close()
		c.rd.Close()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
