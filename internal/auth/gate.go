package auth

import (
	"fmt"
	"time"

	srverr "sessiond/internal/errors"
	"sessiond/internal/metrics"
	"sessiond/internal/protocol"
	"sessiond/internal/session"
	"sessiond/util"
)

const rejectWriteTimeout = time.Second

// Gate runs the handshake on a newly admitted session.
type Gate struct {
	Secret *Secret

	// CredentialTimeout bounds the wait for the credential line.
	CredentialTimeout time.Duration
	// ShellTimeout bounds the wait for the optional shell line.
	ShellTimeout time.Duration
	// MaxCredential bounds the credential line length.
	MaxCredential int

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Result is the outcome of a successful handshake.
type Result struct {
	Shell string // empty when the peer announced none
}

// Authenticate reads the credential, answers the peer and reads the
// optional shell line.  Any error means the caller must remove the
// session; errors match [srverr.ErrAuthFailed] unless the transport
// itself failed while writing the confirmation.
func (g *Gate) Authenticate(s *session.Session) (Result, error) {
	s.LockIO()
	defer s.UnlockIO()

	maxCred := g.MaxCredential
	if maxCred <= 0 {
		maxCred = protocol.MaxCredentialBytes
	}

	cred, err := s.ReadLine(maxCred, g.CredentialTimeout)
	if err != nil || cred == "" || !g.Secret.Matches(cred) {
		g.reject(s)
		if err != nil {
			return Result{}, fmt.Errorf("session #%d: %w: %v", s.ID, srverr.ErrAuthFailed, err)
		}
		return Result{}, fmt.Errorf("session #%d: %w", s.ID, srverr.ErrAuthFailed)
	}

	if err := s.WriteLine(protocol.Confirmed); err != nil {
		return Result{}, srverr.Wrap("write", s.RemoteAddr, err)
	}

	shell, err := s.ReadLine(protocol.MaxCredentialBytes, g.ShellTimeout)
	switch {
	case err != nil && srverr.IsTimeout(err):
		g.Logger.Debug("session #%d announced no shell", s.ID)
		shell = ""
	case err != nil:
		g.Metrics.AuthFailed()
		return Result{}, fmt.Errorf("session #%d: reading shell: %w", s.ID, err)
	case shell == "":
	case !protocol.ValidShell(shell):
		g.Metrics.AuthFailed()
		return Result{}, fmt.Errorf("session #%d: %w: malformed shell descriptor %q",
			s.ID, srverr.ErrAuthFailed, shell)
	}

	g.Metrics.AuthSucceeded()
	return Result{Shell: shell}, nil
}

func (g *Gate) reject(s *session.Session) {
	g.Metrics.AuthFailed()
	s.Conn().SetWriteDeadline(time.Now().Add(rejectWriteTimeout)) //nolint:errcheck
	if err := s.WriteLine(protocol.Rejected); err != nil {
		g.Logger.Debug("session #%d: sending rejection: %v", s.ID, err)
	}
}
