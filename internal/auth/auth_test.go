package auth

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	srverr "sessiond/internal/errors"
	"sessiond/internal/metrics"
	"sessiond/internal/protocol"
	"sessiond/internal/session"
	"sessiond/util"
)

func newGate(secret string) (*Gate, *metrics.Collector) {
	m := metrics.New()
	return &Gate{
		Secret:            NewSecret(secret),
		CredentialTimeout: 2 * time.Second,
		ShellTimeout:      100 * time.Millisecond,
		Logger:            util.Discard(),
		Metrics:           m,
	}, m
}

// handshake runs Authenticate against a peer that writes lines and
// returns the peer's first reply line.
func handshake(t *testing.T, g *Gate, lines ...string) (Result, string, error) {
	t.Helper()
	server, peer := net.Pipe()
	defer server.Close()
	defer peer.Close()
	s := session.New(1, server, "")

	reply := make(chan string, 1)
	go func() {
		rd := bufio.NewReader(peer)
		if len(lines) == 0 {
			peer.Close()
			reply <- ""
			return
		}
		peer.Write([]byte(lines[0])) //nolint:errcheck
		got, _ := rd.ReadString('\n')
		reply <- strings.TrimSpace(got)
		for _, l := range lines[1:] {
			peer.Write([]byte(l)) //nolint:errcheck
		}
	}()

	res, err := g.Authenticate(s)
	return res, <-reply, err
}

func TestAuthenticate_Success(t *testing.T) {
	g, m := newGate("mysecretpass1")
	res, reply, err := handshake(t, g, "mysecretpass1\n", "/bin/sh\n")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if reply != protocol.Confirmed {
		t.Errorf("reply = %q, want %q", reply, protocol.Confirmed)
	}
	if res.Shell != "/bin/sh" {
		t.Errorf("shell = %q, want /bin/sh", res.Shell)
	}
	if m.Snapshot().AuthSucceeded != 1 {
		t.Error("success not counted")
	}
}

func TestAuthenticate_NoShell(t *testing.T) {
	g, _ := newGate("s3cret")
	res, reply, err := handshake(t, g, "s3cret\n")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if reply != protocol.Confirmed || res.Shell != "" {
		t.Errorf("reply=%q shell=%q", reply, res.Shell)
	}
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	g, m := newGate("mysecretpass1")
	_, reply, err := handshake(t, g, "guess\n")
	if !errors.Is(err, srverr.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if reply != protocol.Rejected {
		t.Errorf("reply = %q, want %q", reply, protocol.Rejected)
	}
	if m.AuthFailures() != 1 {
		t.Errorf("AuthFailures = %d", m.AuthFailures())
	}
}

func TestAuthenticate_PrefixIsNotEnough(t *testing.T) {
	g, _ := newGate("mysecretpass1")
	_, _, err := handshake(t, g, "mysecretpass\n")
	if !errors.Is(err, srverr.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestAuthenticate_EmptyRead(t *testing.T) {
	g, _ := newGate("mysecretpass1")
	_, _, err := handshake(t, g)
	if !errors.Is(err, srverr.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestAuthenticate_MalformedShell(t *testing.T) {
	g, _ := newGate("pw")
	_, reply, err := handshake(t, g, "pw\n", "rm -rf /\n")
	if reply != protocol.Confirmed {
		t.Errorf("reply = %q", reply)
	}
	if !errors.Is(err, srverr.ErrAuthFailed) {
		t.Errorf("err = %v, want ErrAuthFailed", err)
	}
}

func TestAuthenticate_SecretChangeTakesEffect(t *testing.T) {
	g, _ := newGate("oldsecret")
	g.Secret.Set("newsecret12")

	if _, _, err := handshake(t, g, "oldsecret\n"); err == nil {
		t.Error("old secret still accepted")
	}
	if _, _, err := handshake(t, g, "newsecret12\n"); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
}

func TestSecret(t *testing.T) {
	s := NewSecret("abc")
	if !s.Matches("abc") || s.Matches("abcd") || s.Matches("") {
		t.Error("unexpected Matches result")
	}
	var empty Secret
	if empty.Get() != "" || empty.Matches("") {
		t.Error("empty secret must match nothing")
	}
}

func TestGenerate(t *testing.T) {
	a, err := Generate(12)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 12 {
		t.Errorf("len = %d, want 12", len(a))
	}
	for _, r := range a {
		if !strings.ContainsRune(alphanumeric, r) {
			t.Errorf("unexpected rune %q", r)
		}
	}
	b, _ := Generate(12)
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
