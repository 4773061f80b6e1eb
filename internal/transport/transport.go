// Package transport turns a raw accepted TCP connection into the stream
// a session speaks over.
//
// Transports stack: a plugin that wraps the current transport keeps a
// reference to it and hands it back when it is disabled.  The server
// asks the current transport to upgrade every connection as it is
// accepted, so a swap applies to the next accept without touching the
// listening socket.
package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// DefaultHandshakeTimeout bounds a transport-level handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrDeadlineUnsupported is returned by connections that cannot honour
// read or write deadlines.
var ErrDeadlineUnsupported = errors.New("deadlines not supported on this connection")

// Transport upgrades raw connections.
type Transport interface {
	// Name is a short identifier such as "plain" or "tls".
	Name() string
	// Upgrade performs any handshake on raw and returns the stream to
	// use.  On error the caller closes raw.
	Upgrade(ctx context.Context, raw net.Conn) (net.Conn, error)
}

// Wrapper is implemented by transports layered over another one.
type Wrapper interface {
	Unwrap() Transport
}

// Rebaser is implemented by wrappers that can be re-layered over a
// different inner transport.
type Rebaser interface {
	Wrapper
	Rebase(inner Transport) Transport
}

// Without returns stack with layer removed.  Layers above it are
// rebuilt over what was below it.  If layer is not in stack, or a
// layer above it cannot be rebuilt, stack is returned unchanged and ok
// is false.
func Without(stack, layer Transport) (t Transport, ok bool) {
	if stack == nil {
		return stack, false
	}
	if stack == layer {
		if w, isW := stack.(Wrapper); isW {
			return w.Unwrap(), true
		}
		return Plain{}, true
	}
	r, isR := stack.(Rebaser)
	if !isR {
		return stack, false
	}
	inner, ok := Without(r.Unwrap(), layer)
	if !ok {
		return stack, false
	}
	return r.Rebase(inner), true
}

// Plain passes connections through unchanged.
type Plain struct{}

func (Plain) Name() string { return "plain" }

func (Plain) Upgrade(_ context.Context, raw net.Conn) (net.Conn, error) { return raw, nil }

// Describe renders the stack outermost first, e.g. "tls+plain".
func Describe(t Transport) string {
	var names []string
	for t != nil {
		names = append(names, t.Name())
		w, ok := t.(Wrapper)
		if !ok {
			break
		}
		t = w.Unwrap()
	}
	return strings.Join(names, "+")
}

func upgradeInner(ctx context.Context, inner Transport, raw net.Conn) (net.Conn, error) {
	if inner == nil {
		return raw, nil
	}
	return inner.Upgrade(ctx, raw)
}

func handshakeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultHandshakeTimeout
	}
	return d
}
