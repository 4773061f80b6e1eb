// Package console serves the line-oriented TCP consoles used by the
// operator and the administrator.
//
// Each connection gets a greeting, then a prompt per line.  Lines are
// handed to a [Handler] one at a time; the handler's reply is written
// back before the next prompt.
package console

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	srverr "sessiond/internal/errors"
	"sessiond/internal/retry"
	"sessiond/util"
)

// MaxLineBytes is the longest line a console accepts.  Anything longer
// ends the connection.
const MaxLineBytes = 4096

// Reply is a handler's answer to one line.
type Reply struct {
	Text  string
	Close bool // end this console connection after writing Text
}

// Handler answers console lines.  Handle is called from the
// connection's own goroutine; different connections call it
// concurrently.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn, line string) Reply
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, conn net.Conn, line string) Reply

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn, line string) Reply {
	return f(ctx, conn, line)
}

// Server is one console listener.
type Server struct {
	Name     string
	Greeting string
	Prompt   string
	Handler  Handler
	Logger   *util.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Serve accepts console connections on ln until ctx is cancelled or
// [Server.Close] is called.  The listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	b := retry.AcceptBackoff()
	b.OnRetry = func(_ int, err error, wait time.Duration) {
		s.Logger.Warn("%s accept: %v (retrying in %s)", s.Name, err, wait)
	}

	s.Logger.Info("%s console listening on %s", s.Name, ln.Addr())
	for {
		conn, err := retry.Accept(ctx, ln, b)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return srverr.Wrap("accept", ln.Addr().String(), err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Live returns the number of open console connections.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close ends every console connection and waits for their goroutines.
// The listener itself is owned by Serve's context.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	s.Logger.Verbose("%s console opened by %s", s.Name, addr)
	defer s.Logger.Verbose("%s console closed by %s", s.Name, addr)

	w := bufio.NewWriter(conn)
	if s.Greeting != "" {
		w.WriteString(s.Greeting + "\n") //nolint:errcheck
	}
	w.WriteString(s.Prompt) //nolint:errcheck
	if w.Flush() != nil {
		return
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 512), MaxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			reply := s.Handler.Handle(ctx, conn, line)
			if reply.Text != "" {
				w.WriteString(strings.TrimRight(reply.Text, "\n") + "\n") //nolint:errcheck
			}
			if reply.Close {
				w.Flush() //nolint:errcheck
				return
			}
		}
		w.WriteString(s.Prompt) //nolint:errcheck
		if w.Flush() != nil {
			return
		}
	}
	if err := sc.Err(); err != nil && !util.IsClosedErr(err) {
		s.Logger.Debug("%s console %s: %v", s.Name, addr, err)
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	c.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
