package ssh

import (
	"net"
	"strconv"
	"time"

	"github.com/kkshell/kksh/internal/eventloop"
	"github.com/kkshell/kksh/internal/trust"
)

// Endpoint is the remote SSH server. A zero Port means 22.
type Endpoint struct {
	Host string
	Port uint16
}

// PortOrDefault returns Port, or 22 when unset.
func (e Endpoint) PortOrDefault() uint16 {
	if e.Port == 0 {
		return 22
	}
	return e.Port
}

// Addr returns host:port suitable for net.Dial.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.PortOrDefault())))
}

func (e Endpoint) String() string { return e.Addr() }

// Credentials for one connection attempt. A Key is tried before Password.
type Credentials struct {
	User     string
	Password string
	Key      *KeyCredential
}

// KeyCredential points at an OpenSSH private key on disk.
type KeyCredential struct {
	PrivateKeyPath string
	// PublicKeyPath is optional. A certificate there is presented with the
	// key; a plain public key must match the private key.
	PublicKeyPath string
	Passphrase    string
}

// Sink receives shell output. Feed is called on the loop goroutine once
// per non-empty chunk and must not retain p.
type Sink interface {
	Feed(p []byte)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p []byte)

func (f SinkFunc) Feed(p []byte) { f(p) }

type discardSink struct{}

func (discardSink) Feed([]byte) {}

// Loop is the event loop the engine runs on. *eventloop.Loop implements it.
type Loop interface {
	Register(name string, onReady func()) eventloop.Handle
	ProcessPending(budget time.Duration) int
}

// HostKeyVerifier decides whether a server's host key is trusted.
// *trust.Store implements it.
type HostKeyVerifier interface {
	Verify(host string, port int, keyType string, keyBlob []byte) (trust.Verdict, error)
	Path() string
}

// Stats counts live resources owned by a Client.
type Stats struct {
	Sockets  int
	Channels int
	Sessions int
}

// ForwardInfo describes one bridged forwarding channel.
type ForwardInfo struct {
	ID     uint64
	Origin string
}
