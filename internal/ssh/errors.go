package ssh

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind classifies engine failures. Each Kind is also an error value so
// callers can write errors.Is(err, ssh.AuthFailed).
type Kind uint8

const (
	SocketCreateFailed Kind = iota + 1
	ConnectFailed
	HandshakeFailed
	HostKeyMismatch
	AuthFailed
	ChannelFailed
	IoError
	RemoteClosed
)

var kindNames = map[Kind]string{
	SocketCreateFailed: "socket create failed",
	ConnectFailed:      "connect failed",
	HandshakeFailed:    "handshake failed",
	HostKeyMismatch:    "host key mismatch",
	AuthFailed:         "authentication failed",
	ChannelFailed:      "channel failed",
	IoError:            "i/o error",
	RemoteClosed:       "remote closed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func (k Kind) Error() string { return k.String() }

// Established reports whether k can only happen after a session is up.
func (k Kind) Established() bool { return k == IoError || k == RemoteClosed }

// ErrSessionClosed is returned by operations on a torn-down session.
var ErrSessionClosed = errors.New("ssh: session closed")

// ErrUnknownSession is returned by Client methods given an id that is not
// (or no longer) registered.
var ErrUnknownSession = errors.New("ssh: unknown session")

// ErrInvalidSize is returned by Resize for a non-positive size.
var ErrInvalidSize = errors.New("ssh: invalid terminal size")

// Error is the single typed error returned by Bootstrap and reported
// through the session error callback.
type Error struct {
	Kind     Kind
	Endpoint Endpoint
	// User is set for AuthFailed.
	User string
	// Detail names the step that failed, e.g. "pty-req".
	Detail string
	// Fingerprint and KnownHosts are set for HostKeyMismatch.
	Fingerprint string
	KnownHosts  string
	Err         error
}

func (e *Error) Error() string {
	switch e.Kind {
	case HostKeyMismatch:
		return fmt.Sprintf("host key mismatch for %s: offered key %s does not match the record in %s",
			e.Endpoint, e.Fingerprint, e.KnownHosts)
	case AuthFailed:
		msg := fmt.Sprintf("authentication failed for user %q at %s", e.User, e.Endpoint)
		if e.Detail != "" {
			msg += ": " + e.Detail
		}
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}

	msg := e.Kind.String()
	if e.Endpoint.Host != "" {
		msg += " (" + e.Endpoint.String() + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind carried by err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
