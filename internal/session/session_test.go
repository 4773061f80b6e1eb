package session

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	srverr "sessiond/internal/errors"
	"sessiond/internal/protocol"
	"sessiond/util"
)

func pipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})
	return New(7, server, "10.0.0.9:5555"), peer
}

func TestNew(t *testing.T) {
	s, _ := pipeSession(t)

	if s.ID != 7 {
		t.Errorf("ID = %d, want 7", s.ID)
	}
	if s.RemoteAddr != "10.0.0.9:5555" {
		t.Errorf("RemoteAddr = %q", s.RemoteAddr)
	}
	if s.Hostname() != util.UnknownHost {
		t.Errorf("Hostname = %q, want %q", s.Hostname(), util.UnknownHost)
	}
	if s.Authenticated() {
		t.Error("new session must not be authenticated")
	}
	if _, ok := s.Shell(); ok {
		t.Error("new session must not have a shell")
	}
	if s.Key.String() == "" {
		t.Error("session key should be set")
	}
}

func TestMarkAuthenticated(t *testing.T) {
	s, _ := pipeSession(t)
	s.MarkAuthenticated("/bin/sh")

	if !s.Authenticated() {
		t.Error("expected authenticated")
	}
	if sh, ok := s.Shell(); !ok || sh != "/bin/sh" {
		t.Errorf("Shell = %q, %v", sh, ok)
	}
}

func TestSetHostname_IgnoresEmpty(t *testing.T) {
	s, _ := pipeSession(t)
	s.SetHostname("build-7.lan")
	s.SetHostname("")
	if s.Hostname() != "build-7.lan" {
		t.Errorf("Hostname = %q", s.Hostname())
	}
}

func TestExchange(t *testing.T) {
	s, peer := pipeSession(t)

	go func() {
		rd := bufio.NewReader(peer)
		cmd, _ := rd.ReadString('\n')
		if cmd != "whoami\n" {
			peer.Write([]byte("unexpected " + cmd + protocol.DefaultMarker)) //nolint:errcheck
			return
		}
		peer.Write([]byte("operator\n"))           //nolint:errcheck
		peer.Write([]byte(protocol.DefaultMarker)) //nolint:errcheck
	}()

	got, err := s.Exchange("whoami", protocol.DefaultMarker, protocol.MaxResponseBytes, 2*time.Second)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got != "operator\n" {
		t.Errorf("got %q, want %q", got, "operator\n")
	}
}

func TestExchange_Timeout(t *testing.T) {
	s, peer := pipeSession(t)
	go bufio.NewReader(peer).ReadString('\n') //nolint:errcheck

	_, err := s.Exchange("sleep 60", protocol.DefaultMarker, 0, 20*time.Millisecond)
	if !srverr.IsTimeout(err) {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestExchange_DrainsLateReply(t *testing.T) {
	s, peer := pipeSession(t)
	go func() {
		rd := bufio.NewReader(peer)
		rd.ReadString('\n')                      //nolint:errcheck
		peer.Write([]byte("first [END_OF_RESP")) //nolint:errcheck
		time.Sleep(60 * time.Millisecond)
		peer.Write([]byte("ONSE]"))                           //nolint:errcheck
		rd.ReadString('\n')                                   //nolint:errcheck
		peer.Write([]byte("second" + protocol.DefaultMarker)) //nolint:errcheck
	}()

	if _, err := s.Exchange("one", protocol.DefaultMarker, 0, 20*time.Millisecond); !srverr.IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if !s.Owed() {
		t.Fatal("timed-out reply not recorded as owed")
	}
	got, err := s.Exchange("two", protocol.DefaultMarker, 0, time.Second)
	if err != nil || got != "second" {
		t.Errorf("Exchange = %q, %v; want %q", got, err, "second")
	}
	if s.Owed() {
		t.Error("owed reply not cleared")
	}
}

func TestExchange_PeerGone(t *testing.T) {
	s, peer := pipeSession(t)
	go func() {
		bufio.NewReader(peer).ReadString('\n') //nolint:errcheck
		peer.Close()
	}()

	_, err := s.Exchange("ls", protocol.DefaultMarker, 0, 0)
	if !errors.Is(err, srverr.ErrTransportClosed) {
		t.Errorf("err = %v, want ErrTransportClosed", err)
	}
}

func TestReadLine_Deadline(t *testing.T) {
	s, _ := pipeSession(t)
	_, err := s.ReadLine(512, 20*time.Millisecond)
	if !srverr.IsTimeout(err) {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestProbe_Alive(t *testing.T) {
	s, _ := pipeSession(t)
	if err := s.Probe(); err != nil {
		t.Errorf("idle live peer reported dead: %v", err)
	}
}

func TestProbe_DoesNotConsumeData(t *testing.T) {
	s, peer := pipeSession(t)
	go peer.Write([]byte("early\n")) //nolint:errcheck

	time.Sleep(20 * time.Millisecond)
	if err := s.Probe(); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	line, err := s.ReadLine(512, time.Second)
	if err != nil || line != "early" {
		t.Errorf("line after probe = %q, %v", line, err)
	}
}

func TestProbe_PeerClosed(t *testing.T) {
	s, peer := pipeSession(t)
	peer.Close()
	if err := s.Probe(); err == nil {
		t.Error("expected probe failure after peer close")
	}
}

func TestProbe_TCPPeerClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	s := New(1, conn, "")
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Probe() != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("probe never noticed the closed peer")
}

func TestClose_Idempotent(t *testing.T) {
	s, _ := pipeSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
	if err := s.Probe(); !errors.Is(err, srverr.ErrTransportClosed) {
		t.Errorf("Probe after close = %v", err)
	}
}

func TestTryLockIO(t *testing.T) {
	s, _ := pipeSession(t)
	s.LockIO()
	if s.TryLockIO() {
		t.Fatal("TryLockIO succeeded while locked")
	}
	s.UnlockIO()
	if !s.TryLockIO() {
		t.Fatal("TryLockIO failed on a free lock")
	}
	s.UnlockIO()
}
