// Package sshtest runs an in-process SSH server for tests. It accepts one
// "session" channel per connection, echoes the shell's input back, records
// pty and window-change requests, and can open X11 channels to the client.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// Options configures a Server.
type Options struct {
	User     string
	Password string
	// AuthorizedKeys may authenticate User by public key.
	AuthorizedKeys []gossh.PublicKey
	// KeyboardInteractive accepts Password through keyboard-interactive
	// and disables the plain password method.
	KeyboardInteractive bool
	// HostKey defaults to a fresh ed25519 key.
	HostKey gossh.Signer

	RejectPty   bool
	RejectX11   bool
	RejectShell bool
}

// Pty is a recorded pty-req.
type Pty struct {
	Term string
	Cols uint32
	Rows uint32
}

// WindowChange is a recorded window-change request.
type WindowChange struct {
	Cols uint32
	Rows uint32
}

// Server is a test SSH server listening on 127.0.0.1.
type Server struct {
	opts    Options
	config  *gossh.ServerConfig
	hostKey gossh.Signer
	ln      net.Listener
	conns   chan *Conn

	mu       sync.Mutex
	accepted int
	authed   int
	all      []*Conn
}

// Conn is one authenticated client connection.
type Conn struct {
	srv   *Server
	nc    net.Conn
	sconn *gossh.ServerConn

	mu      sync.Mutex
	shell   gossh.Channel
	pty     *Pty
	x11     bool
	resizes []WindowChange
	once    sync.Once
}

// Start listens on a random loopback port and serves until the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	s, err := New(opts)
	if err != nil {
		t.Fatalf("sshtest: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// New starts a server without tying it to a test.
func New(opts Options) (*Server, error) {
	s := &Server{
		opts:  opts,
		conns: make(chan *Conn, 16),
	}

	s.hostKey = opts.HostKey
	if s.hostKey == nil {
		signer, err := NewSigner()
		if err != nil {
			return nil, fmt.Errorf("generating host key: %w", err)
		}
		s.hostKey = signer
	}
	s.config = s.serverConfig()
	s.config.AddHostKey(s.hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	go s.serve()
	return s, nil
}

// NewSigner returns a fresh ed25519 signer.
func NewSigner() (gossh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return gossh.NewSignerFromKey(priv)
}

func (s *Server) serverConfig() *gossh.ServerConfig {
	cfg := &gossh.ServerConfig{}

	if s.opts.Password != "" && !s.opts.KeyboardInteractive {
		cfg.PasswordCallback = func(c gossh.ConnMetadata, p []byte) (*gossh.Permissions, error) {
			if c.User() == s.opts.User && string(p) == s.opts.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
	}
	if s.opts.Password != "" && s.opts.KeyboardInteractive {
		cfg.KeyboardInteractiveCallback = func(c gossh.ConnMetadata, ask gossh.KeyboardInteractiveChallenge) (*gossh.Permissions, error) {
			answers, err := ask(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if c.User() == s.opts.User && len(answers) == 1 && answers[0] == s.opts.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("keyboard-interactive rejected for %q", c.User())
		}
	}
	if len(s.opts.AuthorizedKeys) > 0 {
		allowed := s.opts.AuthorizedKeys
		cfg.PublicKeyCallback = func(c gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			keyBytes := string(key.Marshal())
			for _, ak := range allowed {
				if c.User() == s.opts.User && string(ak.Marshal()) == keyBytes {
					return &gossh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		}
	}
	return cfg
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() uint16 {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return uint16(n)
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() gossh.PublicKey { return s.hostKey.PublicKey() }

// Accepted reports TCP connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Authenticated reports connections that completed authentication.
func (s *Server) Authenticated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// NextConn waits for the next connection whose shell has started.
func (s *Server) NextConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("sshtest: no shell started")
	}
}

// Close stops listening and drops every connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	all := s.all
	s.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
	return err
}

func (s *Server) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()
		go s.handleConnection(nc)
	}
}

func (s *Server) handleConnection(nc net.Conn) {
	sconn, chans, reqs, err := gossh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}

	c := &Conn{srv: s, nc: nc, sconn: sconn}
	s.mu.Lock()
	s.authed++
	s.all = append(s.all, c)
	s.mu.Unlock()

	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(gossh.UnknownChannelType, fmt.Sprintf("unsupported channel type: %s", newChan.ChannelType()))
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go c.handleSession(ch, chReqs)
	}
	c.Close()
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func (c *Conn) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request) {
	opts := c.srv.opts
	for req := range reqs {
		ok := false
		switch req.Type {
		case "pty-req":
			var msg ptyRequestMsg
			if err := gossh.Unmarshal(req.Payload, &msg); err == nil && !opts.RejectPty {
				c.mu.Lock()
				c.pty = &Pty{Term: msg.Term, Cols: msg.Columns, Rows: msg.Rows}
				c.mu.Unlock()
				ok = true
			}
		case "x11-req":
			if !opts.RejectX11 {
				c.mu.Lock()
				c.x11 = true
				c.mu.Unlock()
				ok = true
			}
		case "shell":
			if !opts.RejectShell {
				ok = true
				c.mu.Lock()
				c.shell = ch
				c.mu.Unlock()
				go io.Copy(ch, ch)
			}
		case "window-change":
			var msg windowChangeMsg
			if err := gossh.Unmarshal(req.Payload, &msg); err == nil {
				c.mu.Lock()
				c.resizes = append(c.resizes, WindowChange{Cols: msg.Columns, Rows: msg.Rows})
				c.mu.Unlock()
			}
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
		if req.Type == "shell" && ok {
			c.srv.conns <- c
		}
	}
}

// User returns the authenticated user.
func (c *Conn) User() string { return c.sconn.User() }

// Pty returns the recorded pty-req, or nil.
func (c *Conn) Pty() *Pty {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pty
}

// X11Requested reports whether the client sent x11-req.
func (c *Conn) X11Requested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.x11
}

// Resizes returns the window-change requests received so far.
func (c *Conn) Resizes() []WindowChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WindowChange(nil), c.resizes...)
}

// WriteStderr writes p to the shell channel's extended data stream.
func (c *Conn) WriteStderr(p []byte) error {
	c.mu.Lock()
	ch := c.shell
	c.mu.Unlock()
	if ch == nil {
		return errors.New("sshtest: no shell")
	}
	_, err := ch.Stderr().Write(p)
	return err
}

type x11ChannelData struct {
	OriginatorAddress string
	OriginatorPort    uint32
}

// OpenX11 opens an "x11" channel to the client as sshd does when a remote
// X client connects.
func (c *Conn) OpenX11(originPort uint32) (gossh.Channel, error) {
	ch, reqs, err := c.sconn.OpenChannel("x11", gossh.Marshal(x11ChannelData{
		OriginatorAddress: "127.0.0.1",
		OriginatorPort:    originPort,
	}))
	if err != nil {
		return nil, err
	}
	go gossh.DiscardRequests(reqs)
	return ch, nil
}

// Close drops the TCP connection, which the client sees as remote EOF.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.sconn.Close()
		c.nc.Close()
	})
}
