package ssh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	gossh "golang.org/x/crypto/ssh"

	"github.com/kkshell/kksh/internal/eventloop"
	"github.com/kkshell/kksh/internal/nbio"
)

type sessionState int

const (
	stateBootstrapping sessionState = iota
	stateReady
	stateAttached
	stateClosed
)

// Session is one SSH connection with its primary shell channel and any
// X11 channels the server opens. It exclusively owns the TCP socket.
//
// Everything except the fields under mu is touched only on the loop
// goroutine once the session is attached.
type Session struct {
	id     string
	client *Client
	ep     Endpoint
	user   string
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	conn     net.Conn
	sshConn  gossh.Conn
	primary  *primary
	forwards *forwardSet
	sink     Sink
	state    sessionState

	// Shell bytes not yet taken by the channel, oldest first. Each Send
	// queues one chunk and returns once outWritten reaches its ticket.
	outq       [][]byte
	outQueued  uint64
	outWritten uint64

	// Used only while bootstrapping.
	bootCtx     context.Context
	hostKeySeen bool
	mismatch    *Error

	mu      sync.Mutex
	handle  eventloop.Handle
	opens   []gossh.NewChannel
	dialed  []*x11Dial
	failure *Error
	closing bool
}

func newSession(c *Client, ep Endpoint, user string) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		client: c,
		ep:     ep,
		user:   user,
		log:    c.log.With("session", id, "host", ep.String()),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		sink:   discardSink{},
	}
	s.forwards = newForwardSet(s)
	return s
}

// ID is the session handle used by Client methods.
func (s *Session) ID() string { return s.id }

// Endpoint returns the server this session is connected to.
func (s *Session) Endpoint() Endpoint { return s.ep }

// User returns the authenticated user name.
func (s *Session) User() string { return s.user }

// Connected reports whether the session is attached and not torn down.
func (s *Session) Connected() bool { return s.state == stateAttached }

// Forwards lists the bridged X11 channels.
func (s *Session) Forwards() []ForwardInfo { return s.forwards.info() }

// Attach registers a bootstrapped session with the event loop and starts
// delivering shell output to sink. It must run on the loop goroutine.
func (c *Client) Attach(s *Session, sink Sink) {
	if s.state != stateReady {
		return
	}
	if sink != nil {
		s.sink = sink
	}

	h := c.opts.Loop.Register("ssh:"+s.id, s.pump)
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	s.primary.stream.SetNotify(h.Notify)

	s.state = stateAttached
	c.register(s)
	s.log.Info("ssh session connected", "user", s.user)

	// Output may already be buffered.
	h.Notify()
}

// notify wakes the pump. Safe from any goroutine.
func (s *Session) notify() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		h.Notify()
	}
}

// latch records a transport failure seen off the loop goroutine. The first
// one wins; the pump turns it into a session error.
func (s *Session) latch(kind Kind, detail string, err error) {
	s.mu.Lock()
	if s.failure == nil && !s.closing {
		s.failure = &Error{Kind: kind, Endpoint: s.ep, Detail: detail, Err: err}
	}
	s.mu.Unlock()
	s.notify()
}

// enqueueOpen is called from the library's channel-open goroutine. The pump
// accepts queued channels at the start of its next pass.
func (s *Session) enqueueOpen(nc gossh.NewChannel) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		nc.Reject(gossh.ConnectionFailed, "session closing")
		return
	}
	s.opens = append(s.opens, nc)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) takeOpens() []gossh.NewChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	opens := s.opens
	s.opens = nil
	return opens
}

// enqueueDialed is called when a display dial finishes.
func (s *Session) enqueueDialed(d *x11Dial) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		d.drop()
		return
	}
	s.dialed = append(s.dialed, d)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) takeDialed() []*x11Dial {
	s.mu.Lock()
	defer s.mu.Unlock()
	dialed := s.dialed
	s.dialed = nil
	return dialed
}

// pump is the transport readiness callback.
func (s *Session) pump() {
	if s.state != stateAttached {
		return
	}
	s.handle.SetEnabled(false)

	for _, nc := range s.takeOpens() {
		s.forwards.open(nc)
	}
	for _, d := range s.takeDialed() {
		s.forwards.bridge(d)
	}

	if err := s.primary.drain(s); err != nil {
		kind := IoError
		if errors.Is(err, io.EOF) {
			kind = RemoteClosed
		}
		s.fail(&Error{Kind: kind, Endpoint: s.ep, Detail: "reading shell channel", Err: err})
		return
	}
	if s.state != stateAttached {
		return
	}

	s.forwards.pumpRemote()

	s.mu.Lock()
	failure := s.failure
	s.mu.Unlock()
	if failure != nil {
		s.fail(failure)
		return
	}

	if s.state == stateAttached {
		s.handle.SetEnabled(true)
	}
}

// Send writes p to the shell channel. It returns once every byte has been
// handed to the channel.
//
// When the channel's buffer is full Send yields to the event loop with
// ProcessPending and retries. This is deliberate re-entry: while Send waits,
// any other ready callback may run, including this session's own pump and
// forwarding callbacks, and the session may be torn down underneath it, in
// which case Send returns ErrSessionClosed. Callers must not hold state
// across Send that those callbacks could invalidate.
//
// A Send that runs inside another Send's yield writes the earlier bytes
// first, so the channel sees chunks in call order.
func (s *Session) Send(p []byte) error {
	if s.state != stateAttached {
		return ErrSessionClosed
	}
	if len(p) == 0 {
		return nil
	}
	s.outq = append(s.outq, p)
	s.outQueued++
	err := s.flushOut(s.outQueued)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionClosed):
		return err
	default:
		e := &Error{Kind: IoError, Endpoint: s.ep, Detail: "writing shell channel", Err: err}
		s.fail(e)
		return e
	}
}

// flushOut writes queued shell bytes in order until the chunk numbered
// ticket has been taken by the channel.
func (s *Session) flushOut(ticket uint64) error {
	b := &backoff.Backoff{Min: time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	for s.outWritten < ticket {
		n, err := s.primary.stream.Write(s.outq[0])
		if n > 0 {
			s.outq[0] = s.outq[0][n:]
			b.Reset()
		}
		if len(s.outq[0]) == 0 {
			s.outq[0] = nil
			s.outq = s.outq[1:]
			s.outWritten++
			continue
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, nbio.ErrWouldBlock) {
			return err
		}
		s.client.opts.Loop.ProcessPending(b.Duration())
		if s.ctx.Err() != nil || s.state != stateAttached {
			return ErrSessionClosed
		}
	}
	return nil
}

// writeAll is the write-retry path for forwarded local-to-remote traffic.
// Each entry's callback is disabled while it runs, so one entry never
// re-enters its own write. alive is re-checked after every yield.
func (s *Session) writeAll(st *nbio.Stream, p []byte, alive func() bool) error {
	b := &backoff.Backoff{Min: time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	for len(p) > 0 {
		n, err := st.Write(p)
		p = p[n:]
		if err == nil {
			continue
		}
		if !errors.Is(err, nbio.ErrWouldBlock) {
			return err
		}
		if n > 0 {
			b.Reset()
		}
		s.client.opts.Loop.ProcessPending(b.Duration())
		if s.ctx.Err() != nil || !alive() {
			return ErrSessionClosed
		}
	}
	return nil
}

// Resize sends a window-change request. The server does not reply.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrInvalidSize
	}
	if s.state != stateAttached {
		return ErrSessionClosed
	}
	return s.primary.resize(cols, rows)
}

// Disconnect tears the session down synchronously: readiness handles are
// deregistered, every channel and socket is closed, and no callback for
// this session runs afterwards. Calling it again is a no-op.
func (s *Session) Disconnect() {
	if s.state == stateClosed {
		return
	}
	s.teardown()
	s.log.Info("ssh session disconnected")
}

// fail tears the session down and reports err once.
func (s *Session) fail(err *Error) {
	if s.state == stateClosed {
		return
	}
	s.teardown()
	s.log.Warn("ssh session failed", "error", err)
	if cb := s.client.opts.OnSessionError; cb != nil {
		cb(s.id, err)
	}
}

// teardown releases everything the session holds. It also serves failed
// bootstraps, where the session was never registered with the loop.
func (s *Session) teardown() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	s.cancel()

	s.mu.Lock()
	h := s.handle
	opens := s.opens
	dialed := s.dialed
	s.opens, s.dialed = nil, nil
	s.closing = true
	s.mu.Unlock()

	if h != nil {
		h.Deregister()
	}
	close(s.done)
	s.outq = nil

	for _, nc := range opens {
		nc.Reject(gossh.ConnectionFailed, "session closing")
	}
	for _, d := range dialed {
		d.drop()
	}
	s.forwards.closeAll()
	if s.primary != nil {
		s.primary.close()
	}
	if s.sshConn != nil {
		s.sshConn.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.client.unregister(s)
}

// watch latches the end of the transport and, when enabled, keepalive
// failures. It runs until the session is torn down.
func (s *Session) watch() {
	go func() {
		err := s.sshConn.Wait()
		if err == nil {
			err = io.EOF
		}
		s.latch(RemoteClosed, "transport closed", err)
	}()

	interval := s.client.opts.Keepalive
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if _, _, err := s.sshConn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					s.latch(IoError, "keepalive", err)
					return
				}
			}
		}
	}()
}
