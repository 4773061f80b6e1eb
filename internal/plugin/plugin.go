// Package plugin defines the hook points optional behaviours attach to
// and the pipeline that dispatches them.
//
// A plugin implements [Plugin] plus any subset of the hook interfaces.
// Which hooks a plugin has is decided once, when it is added to the
// catalog.  Enabled plugins are consulted in the order they were
// enabled.
package plugin

import (
	"context"
	"fmt"
	"net"
	"strings"

	"sessiond/internal/transport"
)

// Plugin is the minimum every plugin provides.
type Plugin interface {
	Name() string
}

// Describer is optionally implemented to give a one-line summary for
// the admin listing.
type Describer interface {
	Description() string
}

// Registrar runs when the plugin is enabled.  It may return a
// replacement transport (typically one wrapping current); nil keeps
// current.
type Registrar interface {
	OnRegister(ctx context.Context, current transport.Transport) (transport.Transport, error)
}

// Deregistrar runs when the plugin is disabled.  It may return the
// transport to restore; nil keeps current.
type Deregistrar interface {
	OnDeregister(ctx context.Context, current transport.Transport) (transport.Transport, error)
}

// AcceptObserver is told about every accepted connection before the
// credential exchange starts.
type AcceptObserver interface {
	OnConnectionAccepted(conn net.Conn, remoteAddr string)
}

// CommandInterceptor sees operator lines that are not built-in
// commands.  Returning true claims the line; whatever was written with
// [Command.Reply] becomes the operator's response.
type CommandInterceptor interface {
	OnCommand(ctx context.Context, cmd *Command) (bool, error)
}

// Command is one operator line offered to interceptors.
type Command struct {
	Line      string
	Fields    []string
	Console   net.Conn // the operator's connection
	Transport transport.Transport

	reply strings.Builder
}

// NewCommand prepares a Command for line.
func NewCommand(line string, console net.Conn, current transport.Transport) *Command {
	return &Command{
		Line:      line,
		Fields:    strings.Fields(line),
		Console:   console,
		Transport: current,
	}
}

// Verb returns the first field lower-cased, or "".
func (c *Command) Verb() string {
	if len(c.Fields) == 0 {
		return ""
	}
	return strings.ToLower(c.Fields[0])
}

// Args returns the fields after the verb.
func (c *Command) Args() []string {
	if len(c.Fields) < 2 {
		return nil
	}
	return c.Fields[1:]
}

// Reply appends a formatted line to the response.
func (c *Command) Reply(format string, args ...interface{}) {
	if c.reply.Len() > 0 {
		c.reply.WriteByte('\n')
	}
	fmt.Fprintf(&c.reply, format, args...)
}

// Response returns everything written with Reply.
func (c *Command) Response() string { return c.reply.String() }

func (c *Command) resetReply() { c.reply.Reset() }
