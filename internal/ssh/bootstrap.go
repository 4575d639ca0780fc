package ssh

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/kkshell/kksh/internal/trust"
)

// Bootstrap connects to ep and authenticates with creds, then opens the
// shell channel. It blocks and may run on any goroutine. The returned
// session must be passed to Attach on the loop goroutine.
//
// Any failure releases everything acquired so far and is reported as a
// single *Error. Cancelling ctx aborts the step in progress.
func (c *Client) Bootstrap(ctx context.Context, ep Endpoint, creds Credentials) (_ *Session, err error) {
	s := newSession(c, ep, creds.User)
	s.bootCtx = ctx
	defer func() {
		if err != nil {
			s.teardown()
			s.log.Warn("ssh connect failed", "error", err)
		}
	}()

	auth, err := c.authMethods(ep, creds)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	// Closing the socket is the only way to interrupt the library mid-step.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return nil, &Error{Kind: SocketCreateFailed, Endpoint: ep, Detail: "setting socket timeout", Err: err}
	}

	if err := s.handshake(creds.User, auth); err != nil {
		return nil, err
	}
	if err := s.openPrimary(); err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, &Error{Kind: IoError, Endpoint: ep, Detail: "clearing socket timeout", Err: err}
	}
	if ctx.Err() != nil {
		return nil, &Error{Kind: ChannelFailed, Endpoint: ep, Detail: "cancelled", Err: ctx.Err()}
	}

	s.bootCtx = nil
	s.watch()
	s.state = stateReady
	return s, nil
}

// dial resolves ep.Host and connects to each candidate address in order.
func (c *Client) dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	addrs, err := c.opts.Resolve(ctx, ep.Host)
	if err != nil {
		return nil, &Error{Kind: ConnectFailed, Endpoint: ep, Detail: "resolving host", Err: err}
	}
	if len(addrs) == 0 {
		return nil, &Error{Kind: ConnectFailed, Endpoint: ep, Detail: "resolving host", Err: errors.New("no addresses")}
	}

	port := strconv.Itoa(int(ep.PortOrDefault()))
	var errs []error
	for _, a := range addrs {
		addr := net.JoinHostPort(a, port)
		conn, err := c.opts.Dial(ctx, "tcp", addr)
		if err != nil {
			if isSocketCreate(err) {
				return nil, &Error{Kind: SocketCreateFailed, Endpoint: ep, Err: err}
			}
			c.log.Debug("ssh dial failed", "addr", addr, "error", err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(30 * time.Second)
		}
		return c.trackConn(conn), nil
	}
	return nil, &Error{Kind: ConnectFailed, Endpoint: ep, Err: errors.Join(errs...)}
}

// isSocketCreate reports whether err came from the socket(2) call itself
// rather than from connecting.
func isSocketCreate(err error) bool {
	var sysErr *os.SyscallError
	return errors.As(err, &sysErr) && sysErr.Syscall == "socket"
}

// handshake runs key exchange, host key verification and authentication.
func (s *Session) handshake(user string, auth []gossh.AuthMethod) error {
	cfg := &gossh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: s.checkHostKey,
	}

	sshConn, chans, reqs, err := gossh.NewClientConn(s.conn, s.ep.Addr(), cfg)
	if err != nil {
		switch {
		case s.mismatch != nil:
			return s.mismatch
		case !s.hostKeySeen:
			return &Error{Kind: HandshakeFailed, Endpoint: s.ep, Detail: "key exchange", Err: s.ctxErr(err)}
		case strings.Contains(err.Error(), "unable to authenticate"):
			return &Error{Kind: AuthFailed, Endpoint: s.ep, User: user, Err: s.ctxErr(err)}
		default:
			return &Error{Kind: HandshakeFailed, Endpoint: s.ep, Err: s.ctxErr(err)}
		}
	}

	client := gossh.NewClient(sshConn, chans, reqs)
	s.sshConn = client
	if s.client.opts.X11.Enabled {
		// Registered before x11-req so no open can be rejected as unknown.
		opens := client.HandleChannelOpen("x11")
		go func() {
			for nc := range opens {
				s.enqueueOpen(nc)
			}
		}()
	}
	return nil
}

// checkHostKey is the handshake's host key callback. Only a Mismatch
// aborts; other trust store problems are logged.
func (s *Session) checkHostKey(_ string, _ net.Addr, key gossh.PublicKey) error {
	s.hostKeySeen = true
	hk := s.client.opts.HostKeys

	v, err := hk.Verify(s.ep.Host, int(s.ep.PortOrDefault()), key.Type(), key.Marshal())
	if v == trust.Mismatch {
		s.mismatch = &Error{
			Kind:        HostKeyMismatch,
			Endpoint:    s.ep,
			Fingerprint: trust.Fingerprint(key),
			KnownHosts:  hk.Path(),
		}
		return s.mismatch
	}
	if err != nil {
		s.log.Warn("trust store error", "path", hk.Path(), "error", err)
	}
	if v == trust.NewAndTrusted {
		s.log.Info("trusted new host key", "type", key.Type(), "fingerprint", trust.Fingerprint(key))
	}
	return nil
}

// ctxErr prefers the cancellation cause over the closed-socket error it
// produced.
func (s *Session) ctxErr(err error) error {
	if s.bootCtx != nil && s.bootCtx.Err() != nil {
		return s.bootCtx.Err()
	}
	return err
}
