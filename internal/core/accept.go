package core

import (
	"context"
	"errors"
	"net"
	"time"

	srverr "sessiond/internal/errors"
	"sessiond/internal/retry"
	"sessiond/internal/transport"
)

// acceptLoop admits raw connections on the session listener.  Each one
// is upgraded with the transport current at accept time and then
// authenticated in its own goroutine, so a slow peer never holds up the
// next accept.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	b := retry.AcceptBackoff()
	b.OnRetry = func(_ int, err error, wait time.Duration) {
		s.logger.Warn("session accept: %v (retrying in %s)", err, wait)
		s.Metrics.RecordError(err.Error())
	}

	for {
		conn, err := retry.Accept(ctx, ln, b)
		if err != nil {
			if ctx.Err() != nil || s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return srverr.Wrap("accept", ln.Addr().String(), err)
		}

		t := s.Pipeline.Transport()
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn, t)
		}()
	}
}

// handleConn runs one peer from raw accept to an authenticated session.
// Any failure removes the session; the peer is never left half-admitted.
func (s *Server) handleConn(ctx context.Context, raw net.Conn, t transport.Transport) {
	remote := raw.RemoteAddr().String()

	conn, err := t.Upgrade(ctx, raw)
	if err != nil {
		s.logger.Warn("%s handshake with %s: %v", t.Name(), remote, err)
		s.Metrics.RecordError(err.Error())
		raw.Close()
		return
	}
	s.Pipeline.NotifyAccepted(conn, remote)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	sess := s.Registry.Admit(conn, remote)
	s.mu.Unlock()

	res, err := s.Gate.Authenticate(sess)
	if err != nil {
		if errors.Is(err, srverr.ErrAuthFailed) {
			s.logger.Warn("authentication failed for %s: %v", remote, err)
		} else {
			s.logger.Verbose("session #%d dropped during handshake: %v", sess.ID, err)
		}
		s.Registry.Remove(sess.ID)
		return
	}
	if !s.Registry.MarkAuthenticated(sess.ID, res.Shell) {
		return
	}
	if res.Shell == "" {
		s.logger.Info("session #%d authenticated from %s (no shell)", sess.ID, remote)
	} else {
		s.logger.Info("session #%d authenticated from %s (%s)", sess.ID, remote, res.Shell)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
