package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"sync/atomic"
	"time"
)

// CertStore holds the certificate the TLS transport presents.  It can
// be swapped at any time; handshakes in flight keep the old one.
type CertStore struct {
	cert  atomic.Pointer[tls.Certificate]
	hosts []string
	files [2]string // cert, key; empty when self-signed
}

// NewSelfSignedStore generates an in-memory certificate for hosts.
func NewSelfSignedStore(hosts ...string) (*CertStore, error) {
	s := &CertStore{hosts: hosts}
	if err := s.Regenerate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFileStore loads a PEM certificate and key from disk.
func NewFileStore(certFile, keyFile string) (*CertStore, error) {
	s := &CertStore{files: [2]string{certFile, keyFile}}
	if err := s.Regenerate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Regenerate replaces the certificate: a fresh self-signed pair, or a
// reload from disk for file-backed stores.
func (s *CertStore) Regenerate() error {
	var (
		cert tls.Certificate
		err  error
	)
	if s.files[0] != "" {
		cert, err = tls.LoadX509KeyPair(s.files[0], s.files[1])
	} else {
		cert, err = selfSigned(s.hosts)
	}
	if err != nil {
		return err
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	s.cert.Store(&cert)
	return nil
}

// Certificate returns the current certificate.
func (s *CertStore) Certificate() *tls.Certificate { return s.cert.Load() }

// Fingerprint returns the SHA-256 of the leaf certificate, hex encoded.
func (s *CertStore) Fingerprint() string {
	c := s.cert.Load()
	if c == nil || len(c.Certificate) == 0 {
		return ""
	}
	sum := sha256.Sum256(c.Certificate[0])
	return hex.EncodeToString(sum[:])
}

// NotAfter returns the expiry of the leaf certificate.
func (s *CertStore) NotAfter() time.Time {
	c := s.cert.Load()
	if c == nil || c.Leaf == nil {
		return time.Time{}
	}
	return c.Leaf.NotAfter
}

func selfSigned(hosts []string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate ECDSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "sessiond"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// TLS wraps another transport in a TLS server handshake.
type TLS struct {
	inner            Transport
	store            *CertStore
	config           *tls.Config
	HandshakeTimeout time.Duration
}

// NewTLS layers TLS over inner using certificates from store.
func NewTLS(inner Transport, store *CertStore) *TLS {
	t := &TLS{inner: inner, store: store}
	t.config = &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return store.Certificate(), nil
		},
	}
	return t
}

func (t *TLS) Name() string { return "tls" }

// Unwrap returns the transport TLS was layered over.
func (t *TLS) Unwrap() Transport { return t.inner }

// Rebase returns a TLS layer with the same certificates over inner.
func (t *TLS) Rebase(inner Transport) Transport {
	n := NewTLS(inner, t.store)
	n.HandshakeTimeout = t.HandshakeTimeout
	return n
}

// Store returns the certificate store.
func (t *TLS) Store() *CertStore { return t.store }

// Upgrade runs the server handshake.
func (t *TLS) Upgrade(ctx context.Context, raw net.Conn) (net.Conn, error) {
	c, err := upgradeInner(ctx, t.inner, raw)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout(t.HandshakeTimeout))
	defer cancel()

	tc := tls.Server(c, t.config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}
