package plugins

import (
	"context"
	"net"
	"strings"
	"time"

	"sessiond/internal/plugin"
	"sessiond/internal/session"
	"sessiond/util"
)

const (
	httpBanner       = "Hello from HTTP plugin!"
	httpDefaultBody  = "Hello over HTTP!"
	httpWriteTimeout = time.Second
)

// ActiveSession returns the session operator commands are routed to.
type ActiveSession interface {
	Active() (*session.Session, bool)
}

// HTTP greets new peers with an HTTP response and lets the operator
// push one to the active session.
type HTTP struct {
	Sessions ActiveSession
	Logger   *util.Logger
}

func (p *HTTP) Name() string        { return "http" }
func (p *HTTP) Description() string { return "HTTP banner on accept, 'http send <msg>'" }

// HTTPResponse renders a minimal text/plain HTTP/1.1 response.
func HTTPResponse(body string) []byte {
	return []byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n" + body + "\r\n")
}

func (p *HTTP) OnConnectionAccepted(conn net.Conn, remoteAddr string) {
	conn.SetWriteDeadline(time.Now().Add(httpWriteTimeout)) //nolint:errcheck
	defer conn.SetWriteDeadline(time.Time{})                //nolint:errcheck

	if _, err := conn.Write(HTTPResponse(httpBanner)); err != nil {
		p.Logger.Warn("http banner to %s: %v", remoteAddr, err)
		return
	}
	p.Logger.Debug("http banner sent to %s", remoteAddr)
}

func (p *HTTP) OnCommand(_ context.Context, cmd *plugin.Command) (bool, error) {
	if cmd.Verb() != "http" {
		return false, nil
	}
	args := cmd.Args()
	if len(args) == 0 || !strings.EqualFold(args[0], "send") {
		cmd.Reply("Usage: http send <message>")
		return true, nil
	}
	body := strings.Join(args[1:], " ")
	if body == "" {
		body = httpDefaultBody
	}

	s, ok := p.Sessions.Active()
	if !ok {
		cmd.Reply("No active session to send to.")
		return true, nil
	}
	s.LockIO()
	n, err := s.Write(HTTPResponse(body))
	s.UnlockIO()
	if err != nil {
		p.Logger.Warn("http send to session #%d: %v", s.ID, err)
		cmd.Reply("Failed to send to session #%d: %v", s.ID, err)
		return true, nil
	}
	p.Logger.Verbose("http message sent to session #%d", s.ID)
	cmd.Reply("Sent %d-byte HTTP response to session #%d.", n, s.ID)
	return true, nil
}
