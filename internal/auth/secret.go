// Package auth decides whether a freshly admitted session may stay.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"sync/atomic"
)

// Secret is the shared credential.  Reads never block; writers are
// expected to serialize among themselves (the admin console and the
// rotation plugin each hold their own lock).
type Secret struct {
	v atomic.Pointer[string]
}

// NewSecret returns a Secret holding s.
func NewSecret(s string) *Secret {
	sec := &Secret{}
	sec.Set(s)
	return sec
}

// Get returns the current value.
func (s *Secret) Get() string {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return ""
}

// Set replaces the value.  Handshakes already past the comparison are
// unaffected.
func (s *Secret) Set(v string) { s.v.Store(&v) }

// Matches compares candidate with the current value in constant time.
// An empty secret matches nothing.
func (s *Secret) Matches(candidate string) bool {
	cur := s.Get()
	if cur == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cur), []byte(candidate)) == 1
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generate returns a random alphanumeric string of length n.
func Generate(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		k, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphanumeric[k.Int64()]
	}
	return string(out), nil
}
