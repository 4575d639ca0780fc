package ssh

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultTerm      = "xterm-256color"
	defaultCols      = 80
	defaultRows      = 24
	localDialTimeout = 2 * time.Second
)

// X11Options enables graphical forwarding to a local display.
type X11Options struct {
	Enabled bool
	// Addr is the local display's TCP address, see DisplayAddr.
	Addr   string
	Screen uint32
	// Dial reaches the display. It runs off the loop goroutine and
	// defaults to a net.Dialer bounded by a 2s timeout.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Options configures a Client.
type Options struct {
	Loop     Loop
	HostKeys HostKeyVerifier

	// Timeout bounds the TCP connect and, separately, the handshake,
	// authentication and channel setup that follow. Default 30s.
	Timeout time.Duration
	// Keepalive is the interval between keepalive@openssh.com probes.
	// Zero disables them.
	Keepalive time.Duration

	Term string
	Cols int
	Rows int

	X11 X11Options

	ReadBuffer  int
	WriteBuffer int

	// OnSessionError is invoked on the loop goroutine, after teardown, when
	// an attached session fails (IoError or RemoteClosed). It fires at most
	// once per session and never for an explicit Disconnect.
	OnSessionError func(id string, err error)

	// Resolve and Dial default to the net package.
	Resolve func(ctx context.Context, host string) ([]string, error)
	Dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger *slog.Logger
}

// Client owns SSH sessions driven by one event loop. Bootstrap may be
// called from any goroutine; every other method must be called on the
// loop goroutine.
type Client struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	sockets  atomic.Int64
	channels atomic.Int64
}

// NewClient validates opts and applies defaults.
func NewClient(opts Options) (*Client, error) {
	if opts.Loop == nil {
		return nil, errors.New("ssh: Options.Loop is required")
	}
	if opts.HostKeys == nil {
		return nil, errors.New("ssh: Options.HostKeys is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Term == "" {
		opts.Term = defaultTerm
	}
	if opts.Cols <= 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows <= 0 {
		opts.Rows = defaultRows
	}
	if opts.X11.Enabled && opts.X11.Addr == "" {
		addr, screen, err := DisplayAddr("")
		if err != nil {
			return nil, err
		}
		opts.X11.Addr, opts.X11.Screen = addr, screen
	}
	if opts.X11.Dial == nil {
		opts.X11.Dial = (&net.Dialer{}).DialContext
	}
	if opts.Resolve == nil {
		opts.Resolve = net.DefaultResolver.LookupHost
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.Timeout}
		opts.Dial = d.DialContext
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Connect runs Bootstrap and Attach back to back. It blocks the calling
// (loop) goroutine for the whole handshake; hosts that must stay
// responsive call Bootstrap elsewhere and Attach on the loop.
func (c *Client) Connect(ctx context.Context, ep Endpoint, creds Credentials, sink Sink) (*Session, error) {
	s, err := c.Bootstrap(ctx, ep, creds)
	if err != nil {
		return nil, err
	}
	c.Attach(s, sink)
	return s, nil
}

// Session returns the attached session with the given id.
func (c *Client) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Sessions returns the attached sessions in no particular order.
func (c *Client) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Send writes p to the session's shell.
func (c *Client) Send(id string, p []byte) error {
	s, ok := c.Session(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.Send(p)
}

// Resize changes the session's terminal geometry.
func (c *Client) Resize(id string, cols, rows int) error {
	s, ok := c.Session(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.Resize(cols, rows)
}

// Disconnect tears the session down. Unknown ids are ignored, so calling
// it twice is harmless.
func (c *Client) Disconnect(id string) {
	if s, ok := c.Session(id); ok {
		s.Disconnect()
	}
}

// Close disconnects every session.
func (c *Client) Close() {
	for _, s := range c.Sessions() {
		s.Disconnect()
	}
}

// Stats reports live sockets, channels and attached sessions.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	n := len(c.sessions)
	c.mu.Unlock()
	return Stats{
		Sockets:  int(c.sockets.Load()),
		Channels: int(c.channels.Load()),
		Sessions: n,
	}
}

func (c *Client) register(s *Session) {
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
}

func (c *Client) unregister(s *Session) {
	c.mu.Lock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
	c.mu.Unlock()
}

// trackConn counts conn as a live socket until its first Close.
func (c *Client) trackConn(conn net.Conn) net.Conn {
	c.sockets.Add(1)
	return &trackedConn{Conn: conn, n: &c.sockets}
}

// trackChannel counts ch as a live channel until its first Close.
func (c *Client) trackChannel(ch gossh.Channel) gossh.Channel {
	c.channels.Add(1)
	return &trackedChannel{Channel: ch, n: &c.channels}
}

type trackedConn struct {
	net.Conn
	once sync.Once
	n    *atomic.Int64
}

func (t *trackedConn) Close() error {
	err := t.Conn.Close()
	t.once.Do(func() { t.n.Add(-1) })
	return err
}

type trackedChannel struct {
	gossh.Channel
	once sync.Once
	n    *atomic.Int64
}

func (t *trackedChannel) Close() error {
	err := t.Channel.Close()
	t.once.Do(func() { t.n.Add(-1) })
	return err
}
