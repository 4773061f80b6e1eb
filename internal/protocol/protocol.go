// Package protocol implements the line and sentinel framing spoken
// between the server and a remote session.
//
// Handshake (peer → server unless noted):
//
//	<secret>\n
//	server → REMOTE_SHELL_CONFIRMED\n   or   AUTHENTICATION_FAILED\n
//	[<shell path>\n]                       optional, after confirmation
//
// Command exchange (server → peer, then peer → server):
//
//	<command line>\n
//	<arbitrary output bytes>[END_OF_RESPONSE]
package protocol

import (
	"bufio"
	"bytes"
	"io"
	"regexp"

	srverr "sessiond/internal/errors"
)

const (
	// Confirmed is sent to a peer whose credential matched.
	Confirmed = "REMOTE_SHELL_CONFIRMED"
	// Rejected is sent to a peer whose credential did not match.
	Rejected = "AUTHENTICATION_FAILED"
	// DefaultMarker terminates every command response.
	DefaultMarker = "[END_OF_RESPONSE]"

	// MaxCredentialBytes bounds the handshake line.
	MaxCredentialBytes = 512
	// MaxResponseBytes bounds one framed response.
	MaxResponseBytes = 16 << 20
)

// shellPattern accepts absolute POSIX interpreter paths and the usual
// Windows interpreters.
var shellPattern = regexp.MustCompile(
	`^(?:/[A-Za-z0-9._+-]+)+$|^(?i:[A-Z]:\\(?:[^\\/:*?"<>|\r\n]+\\)*(?:cmd|powershell|pwsh)\.exe)$`)

// ValidShell reports whether s looks like an interpreter path a peer may
// announce after authenticating.
func ValidShell(s string) bool {
	return len(s) <= 260 && shellPattern.MatchString(s)
}

// ReadLine reads one '\n'-terminated line of at most max bytes (the
// terminator and any '\r' before it excluded).  A line that ends at EOF
// without a terminator is returned with a nil error; EOF before any
// byte returns io.EOF.  Longer lines fail with ErrLineTooLong.
func ReadLine(rd *bufio.Reader, max int) (string, error) {
	var line []byte
	for {
		frag, err := rd.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > max+2 {
			return "", srverr.ErrLineTooLong
		}
		switch err {
		case nil:
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(line) == 0 {
				return "", io.EOF
			}
		default:
			return "", err
		}
		break
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) > max {
		return "", srverr.ErrLineTooLong
	}
	return string(line), nil
}

// WriteLine writes s followed by '\n'.
func WriteLine(w io.Writer, s string) (int, error) {
	return io.WriteString(w, s+"\n")
}

// ReadFramed accumulates bytes until marker has been read and returns
// everything before it.  Bytes after the marker stay buffered in rd.
// The marker may arrive split across any number of reads.
//
// A stream that ends before the marker returns the partial text with
// an error matching ErrTransportClosed.
func ReadFramed(rd *bufio.Reader, marker string, max int) (string, error) {
	return ResumeFramed(rd, "", marker, max)
}

// ResumeFramed continues a ReadFramed call that failed part way, for
// instance on a read deadline.  partial is the text that call returned;
// a marker split between partial and the next read is still found.
func ResumeFramed(rd *bufio.Reader, partial, marker string, max int) (string, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	last := marker[len(marker)-1]
	acc := []byte(partial)
	for {
		chunk, err := rd.ReadSlice(last)
		acc = append(acc, chunk...)
		if max > 0 && len(acc) > max+len(marker) {
			return "", srverr.ErrResponseTooLarge
		}
		if err == nil && bytes.HasSuffix(acc, []byte(marker)) {
			return string(acc[:len(acc)-len(marker)]), nil
		}
		switch {
		case err == nil, err == bufio.ErrBufferFull:
			continue
		case err == io.EOF:
			return string(acc), srverr.ErrTransportClosed
		default:
			return string(acc), err
		}
	}
}
