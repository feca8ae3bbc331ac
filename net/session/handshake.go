package session

import (
	"bytes"
	"errors"
	"strings"
)

const (
	handshakePrefix = "USER:"

	// maxHandshake bounds the single read the accepting side does for the handshake.
	maxHandshake = 1024
)

var ErrMalformedHandshake = errors.New("session: malformed handshake")

// Handshake returns the bytes a connecting peer sends first. There is no terminator.
func Handshake(username string) []byte {
	return []byte(handshakePrefix + username)
}

// ParseHandshake extracts the username from the first chunk read on an inbound stream.
// The handshake line ends at the first newline if there is one; bytes after it are returned
// as rest and belong to the message stream. The username ends at the next ':' if any.
func ParseHandshake(chunk []byte) (username string, rest []byte, err error) {
	line := chunk
	if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
		line, rest = chunk[:i], chunk[i+1:]
	}

	text := strings.TrimSpace(string(line))
	name, ok := strings.CutPrefix(text, handshakePrefix)
	if !ok {
		return "", nil, ErrMalformedHandshake
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, ErrMalformedHandshake
	}

	if len(rest) == 0 {
		rest = nil
	}
	return name, rest, nil
}
