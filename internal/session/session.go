// Package session holds the per-connection state of one remote peer.
//
// A Session owns its connection.  All reads go through a single
// buffered reader so that bytes a peer sends ahead of time (a shell line
// right behind the credential, output following a response marker) are
// never lost between exchanges.  Exchanges are serialized with the I/O
// lock: whoever talks to the peer holds it for the whole exchange.
package session

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	srverr "sessiond/internal/errors"
	"sessiond/internal/protocol"
	"sessiond/util"
)

// probeWindow is how long a liveness probe waits for the peer.
const probeWindow = time.Millisecond

// Session is one admitted remote connection.
type Session struct {
	ID         int
	Key        uuid.UUID // correlates log lines across restarts of the id counter
	RemoteAddr string
	LocalAddr  string
	Admitted   time.Time

	conn net.Conn
	rd   *bufio.Reader
	io   sync.Mutex

	mu            sync.RWMutex
	hostname      string
	authenticated bool
	shell         string
	closed        bool

	// A response that timed out is still owed by the peer; it is
	// drained before the next command is sent.
	owed    bool
	partial string
}

// New wraps conn as session id.  remoteAddr overrides conn.RemoteAddr
// when non-empty (an upgraded transport may not know the TCP peer).
func New(id int, conn net.Conn, remoteAddr string) *Session {
	if remoteAddr == "" && conn.RemoteAddr() != nil {
		remoteAddr = conn.RemoteAddr().String()
	}
	var local string
	if conn.LocalAddr() != nil {
		local = conn.LocalAddr().String()
	}
	return &Session{
		ID:         id,
		Key:        uuid.New(),
		RemoteAddr: remoteAddr,
		LocalAddr:  local,
		Admitted:   time.Now(),
		conn:       conn,
		rd:         bufio.NewReader(conn),
		hostname:   util.UnknownHost,
	}
}

// Conn returns the underlying connection.
func (s *Session) Conn() net.Conn { return s.conn }

// ── State ────────────────────────────────────────────────────────────

// Hostname returns the resolved peer name or [util.UnknownHost].
func (s *Session) Hostname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostname
}

// SetHostname records the result of a reverse lookup.
func (s *Session) SetHostname(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	s.hostname = name
	s.mu.Unlock()
}

// Authenticated reports whether the handshake succeeded.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Shell returns the interpreter the peer announced, if any.  A session
// without one cannot run routed commands.
func (s *Session) Shell() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shell, s.shell != ""
}

// MarkAuthenticated flips the session to authenticated.  shell may be
// empty.  It is a one-way transition.
func (s *Session) MarkAuthenticated(shell string) {
	s.mu.Lock()
	s.authenticated = true
	if shell != "" {
		s.shell = shell
	}
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ── I/O ──────────────────────────────────────────────────────────────
//
// The methods below assume the caller holds the I/O lock.

// LockIO acquires exclusive use of the connection.
func (s *Session) LockIO() { s.io.Lock() }

// TryLockIO acquires the I/O lock if it is free.
func (s *Session) TryLockIO() bool { return s.io.TryLock() }

// UnlockIO releases the I/O lock.
func (s *Session) UnlockIO() { s.io.Unlock() }

// ReadLine reads one bounded line, waiting at most timeout (0 = no limit).
func (s *Session) ReadLine(max int, timeout time.Duration) (string, error) {
	s.setReadDeadline(timeout)
	defer s.setReadDeadline(0)
	return protocol.ReadLine(s.rd, max)
}

// WriteLine writes line followed by '\n'.
func (s *Session) WriteLine(line string) error {
	_, err := protocol.WriteLine(s.conn, line)
	return err
}

// Write writes raw bytes to the peer.
func (s *Session) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Exchange sends command and collects the framed reply.  On timeout the
// error satisfies [srverr.IsTimeout] and the late reply is discarded by
// the next Exchange before it sends anything.  On peer disconnect the
// error matches [srverr.ErrTransportClosed].
func (s *Session) Exchange(command, marker string, max int, timeout time.Duration) (string, error) {
	if s.owed {
		if err := s.drain(marker, max, timeout); err != nil {
			return "", err
		}
	}
	if err := s.WriteLine(command); err != nil {
		return "", srverr.Wrap("write", s.RemoteAddr, err)
	}
	s.setReadDeadline(timeout)
	defer s.setReadDeadline(0)
	out, err := protocol.ReadFramed(s.rd, marker, max)
	if err != nil {
		if srverr.IsTimeout(err) {
			s.owed, s.partial = true, out
		}
		return "", err
	}
	return out, nil
}

// Owed reports whether a timed-out response has not been drained yet.
func (s *Session) Owed() bool { return s.owed }

// drain reads and drops the rest of a timed-out response.
func (s *Session) drain(marker string, max int, timeout time.Duration) error {
	s.setReadDeadline(timeout)
	defer s.setReadDeadline(0)
	rest, err := protocol.ResumeFramed(s.rd, s.partial, marker, max)
	if err != nil {
		if srverr.IsTimeout(err) {
			s.partial = rest
		}
		return err
	}
	s.owed, s.partial = false, ""
	return nil
}

// Probe checks whether the peer is still reachable without consuming
// any of its data: a zero-byte write, then a short peek.  Timeouts
// count as alive.  Connections that reject deadlines are only probed
// with the write.
func (s *Session) Probe() error {
	if s.Closed() {
		return srverr.ErrTransportClosed
	}

	wdl := s.conn.SetWriteDeadline(time.Now().Add(probeWindow)) == nil
	_, err := s.conn.Write(nil)
	if wdl {
		s.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	if err != nil && !srverr.IsTimeout(err) {
		return err
	}

	if s.conn.SetReadDeadline(time.Now().Add(probeWindow)) != nil {
		return nil
	}
	defer s.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	if _, err := s.rd.Peek(1); err != nil && !srverr.IsTimeout(err) {
		return err
	}
	return nil
}

func (s *Session) setReadDeadline(d time.Duration) {
	if d > 0 {
		s.conn.SetReadDeadline(time.Now().Add(d)) //nolint:errcheck
		return
	}
	s.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
}

// Close closes the connection.  Repeated calls return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
