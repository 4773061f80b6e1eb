package console

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"sessiond/util"
)

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, _ net.Conn, line string) Reply {
		switch line {
		case "exit", "quit":
			return Reply{Text: "Goodbye.", Close: true}
		case "silent":
			return Reply{}
		}
		return Reply{Text: "echo: " + line}
	})
}

func startServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{Name: "test", Greeting: "hello", Prompt: "> ", Handler: h, Logger: util.Discard()}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		s.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return s, ln.Addr().String()
}

type client struct {
	conn net.Conn
	rd   *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	return &client{conn: conn, rd: bufio.NewReader(conn)}
}

// until reads up to and including the next occurrence of s.
func (c *client) until(t *testing.T, s string) string {
	t.Helper()
	var b strings.Builder
	for !strings.HasSuffix(b.String(), s) {
		r, err := c.rd.ReadByte()
		if err != nil {
			t.Fatalf("read: %v (have %q)", err, b.String())
		}
		b.WriteByte(r)
	}
	return b.String()
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
}

func TestServe_GreetingPromptReply(t *testing.T) {
	_, addr := startServer(t, echoHandler())
	c := dial(t, addr)

	if got := c.until(t, "> "); got != "hello\n> " {
		t.Fatalf("got %q, want greeting and prompt", got)
	}
	c.send(t, "  ping  ")
	if got := c.until(t, "> "); got != "echo: ping\n> " {
		t.Errorf("got %q, want %q", got, "echo: ping\n> ")
	}
}

func TestServe_EmptyAndSilentLinesReprompt(t *testing.T) {
	_, addr := startServer(t, echoHandler())
	c := dial(t, addr)
	c.until(t, "> ")

	c.send(t, "")
	if got := c.until(t, "> "); got != "> " {
		t.Errorf("empty line: got %q", got)
	}
	c.send(t, "silent")
	if got := c.until(t, "> "); got != "> " {
		t.Errorf("silent reply: got %q", got)
	}
}

func TestServe_ExitClosesOnlyThatConnection(t *testing.T) {
	s, addr := startServer(t, echoHandler())
	a := dial(t, addr)
	b := dial(t, addr)
	a.until(t, "> ")
	b.until(t, "> ")

	a.send(t, "exit")
	if got := a.until(t, "Goodbye.\n"); got != "Goodbye.\n" {
		t.Errorf("got %q", got)
	}
	if _, err := a.rd.ReadByte(); err == nil {
		t.Error("exited console still open")
	}

	b.send(t, "still here")
	if got := b.until(t, "> "); got != "echo: still here\n> " {
		t.Errorf("other console: got %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Live() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := s.Live(); n != 1 {
		t.Errorf("Live() = %d, want 1", n)
	}
}

func TestServe_OverlongLineEndsConnection(t *testing.T) {
	_, addr := startServer(t, echoHandler())
	c := dial(t, addr)
	c.until(t, "> ")

	c.conn.Write([]byte(strings.Repeat("x", MaxLineBytes+10) + "\n")) //nolint:errcheck
	if _, err := c.rd.ReadByte(); err == nil {
		t.Error("expected the console to close after an overlong line")
	}
}

func TestClose_EndsLiveConnections(t *testing.T) {
	s, addr := startServer(t, echoHandler())
	c := dial(t, addr)
	c.until(t, "> ")

	s.Close()
	if _, err := c.rd.ReadByte(); err == nil {
		t.Error("connection survived Close")
	}
	if n := s.Live(); n != 0 {
		t.Errorf("Live() = %d after Close", n)
	}
}
