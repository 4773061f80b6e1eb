// Package router interprets operator console lines: built-in session
// management first, then plugin commands, and everything else is
// relayed to the active session.
package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"sessiond/internal/console"
	srverr "sessiond/internal/errors"
	"sessiond/internal/metrics"
	"sessiond/internal/plugin"
	"sessiond/internal/protocol"
	"sessiond/internal/registry"
	"sessiond/internal/session"
	"sessiond/util"
)

// Fixed operator replies.
const (
	// NoActiveSession answers a routed command when nothing is selected.
	NoActiveSession = "No active session. Use 'connect <id>' first."
	// NoConnections is the listing with no authenticated sessions.
	NoConnections = "No active connections."
	// Goodbye is sent before an operator connection closes on exit.
	Goodbye = "Goodbye."
)

const helpText = `Available commands:
  help, ?                  show this help
  list                     list authenticated connections
  list refresh             drop dead connections, then list
  connect <id>             route commands to connection <id>
  run <command>            send <command> to the active connection as is
  close <id>               close connection <id>
  terminate <id>           forcibly end connection <id>
  exit, quit               leave the operator console
Any other line goes to enabled plugins, then to the active connection.`

// Router implements [console.Handler] for the operator console.
type Router struct {
	Registry *registry.Registry
	Pipeline *plugin.Pipeline

	Marker         string        // response terminator; default protocol.DefaultMarker
	MaxResponse    int           // default protocol.MaxResponseBytes
	ForwardTimeout time.Duration // 0 waits forever

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Handle dispatches one operator line.
func (r *Router) Handle(ctx context.Context, conn net.Conn, line string) console.Reply {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return console.Reply{}
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "help", "?":
		return reply(helpText)
	case "exit", "quit":
		return console.Reply{Text: Goodbye, Close: true}
	case "list":
		if len(args) == 1 && strings.EqualFold(args[0], "refresh") {
			if dead := r.Registry.SweepDead(); len(dead) > 0 {
				r.Logger.Info("list refresh dropped %d dead connection(s)", len(dead))
			}
			return reply(r.list())
		}
		if len(args) == 0 {
			return reply(r.list())
		}
		return reply("Usage: list [refresh]")
	case "connect":
		return reply(r.connect(args))
	case "close":
		return reply(r.close(args, "close"))
	case "terminate":
		return reply(r.close(args, "terminate"))
	case "run":
		if len(args) == 0 {
			return reply("Usage: run <command>")
		}
		return reply(r.Forward(strings.TrimSpace(line[strings.Index(line, fields[0])+len(fields[0]):])))
	}

	if r.Pipeline != nil {
		cmd := plugin.NewCommand(line, conn, r.Pipeline.Transport())
		if r.Pipeline.Intercept(ctx, cmd) {
			return reply(cmd.Response())
		}
	}
	return reply(r.Forward(line))
}

// Forward relays command to the active session and returns its
// response with the marker removed, or a status message.
func (r *Router) Forward(command string) string {
	s, ok := r.Registry.Active()
	if !ok {
		return NoActiveSession
	}
	if !s.Authenticated() {
		return fmt.Sprintf("Session #%d is not authenticated yet.", s.ID)
	}
	if _, ok := s.Shell(); !ok {
		return fmt.Sprintf("Session #%d has no shell; cannot run commands.", s.ID)
	}

	out, err := r.exchange(s, command)
	switch {
	case err == nil:
		r.Metrics.CommandRouted(int64(len(command)+1), int64(len(out)))
		return out
	case srverr.IsTimeout(err):
		r.Metrics.CommandFailed()
		r.Logger.Warn("session #%d: command timed out after %s", s.ID, r.ForwardTimeout)
		return fmt.Sprintf("Command on session #%d timed out; session left active.", s.ID)
	case srverr.Is(err, srverr.ErrResponseTooLarge):
		r.Metrics.CommandFailed()
		r.Logger.Warn("session #%d: %v", s.ID, err)
		r.Registry.Remove(s.ID)
		return fmt.Sprintf("Session #%d sent an oversized response and was closed.", s.ID)
	default:
		r.Metrics.CommandFailed()
		r.Logger.Info("session #%d disconnected: %v", s.ID, err)
		r.Registry.Remove(s.ID)
		return fmt.Sprintf("Session #%d disconnected.", s.ID)
	}
}

func (r *Router) exchange(s *session.Session, command string) (string, error) {
	marker := r.Marker
	if marker == "" {
		marker = protocol.DefaultMarker
	}
	limit := r.MaxResponse
	if limit <= 0 {
		limit = protocol.MaxResponseBytes
	}

	s.LockIO()
	defer s.UnlockIO()
	r.Logger.Debug("session #%d [%s] <- %q", s.ID, s.Key, command)
	return s.Exchange(command, marker, limit, r.ForwardTimeout)
}

func (r *Router) list() string {
	return FormatList(r.Registry.ListActive())
}

// FormatList renders registry entries one per line.
func FormatList(entries []registry.Entry) string {
	if len(entries) == 0 {
		return NoConnections
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d -> %s [%s]", e.ID, e.RemoteAddr, e.Hostname)
		if e.Active {
			b.WriteString(" (ACTIVE)")
		}
	}
	return b.String()
}

func (r *Router) connect(args []string) string {
	id, ok := parseID(args)
	if !ok {
		return "Usage: connect <integer_client_id>"
	}
	if err := r.Registry.SetActive(id); err != nil {
		return fmt.Sprintf("Connection #%d does not exist.", id)
	}
	r.Logger.Verbose("operator switched to session #%d", id)
	return fmt.Sprintf("Switched to connection #%d.", id)
}

func (r *Router) close(args []string, verb string) string {
	id, ok := parseID(args)
	if !ok {
		return fmt.Sprintf("Usage: %s <integer_client_id>", verb)
	}
	if !r.Registry.Remove(id) {
		return fmt.Sprintf("No connection #%d found.", id)
	}
	if verb == "terminate" {
		r.Logger.Warn("session #%d terminated by operator", id)
		return fmt.Sprintf("Connection #%d terminated.", id)
	}
	r.Logger.Info("session #%d closed by operator", id)
	return fmt.Sprintf("Connection #%d closed.", id)
}

func parseID(args []string) (int, bool) {
	if len(args) != 1 {
		return 0, false
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

func reply(text string) console.Reply { return console.Reply{Text: text} }
