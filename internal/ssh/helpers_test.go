package ssh

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"github.com/kkshell/kksh/internal/eventloop"
	"github.com/kkshell/kksh/internal/sshtest"
	"github.com/kkshell/kksh/internal/trust"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"
	waitFor      = 3 * time.Second
	tick         = 5 * time.Millisecond
)

type sessionError struct {
	id  string
	err error
}

// harness runs a Client on a real event loop goroutine. Engine calls that
// must happen on the loop go through on.
type harness struct {
	t      *testing.T
	loop   *eventloop.Loop
	client *Client
	store  *trust.Store
	errs   chan sessionError
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	h := &harness{
		t:     t,
		loop:  loop,
		store: trust.NewStore(filepath.Join(t.TempDir(), "known_hosts")),
		errs:  make(chan sessionError, 8),
	}
	opts := Options{
		Loop:     loop,
		HostKeys: h.store,
		Timeout:  5 * time.Second,
		OnSessionError: func(id string, err error) {
			h.errs <- sessionError{id: id, err: err}
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	h.client = c

	t.Cleanup(func() {
		_ = loop.Do(context.Background(), c.Close)
		cancel()
		<-done
	})
	return h
}

func (h *harness) on(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), fn))
}

func (h *harness) connect(ep Endpoint, creds Credentials, sink Sink) (*Session, error) {
	s, err := h.client.Bootstrap(context.Background(), ep, creds)
	if err != nil {
		return nil, err
	}
	h.on(func() { h.client.Attach(s, sink) })
	return s, nil
}

func (h *harness) mustConnect(srv *sshtest.Server, creds Credentials, sink Sink) *Session {
	h.t.Helper()
	s, err := h.connect(endpointOf(srv), creds, sink)
	require.NoError(h.t, err)
	return s
}

func (h *harness) send(s *Session, p string) {
	h.t.Helper()
	var err error
	h.on(func() { err = s.Send([]byte(p)) })
	require.NoError(h.t, err)
}

func (h *harness) forwardIDs(s *Session) []uint64 {
	var ids []uint64
	h.on(func() {
		for _, f := range s.Forwards() {
			ids = append(ids, f.ID)
		}
	})
	return ids
}

func (h *harness) assertNoLeaks() {
	h.t.Helper()
	assert.Eventually(h.t, func() bool {
		return h.client.Stats() == Stats{}
	}, waitFor, tick, "stats: %+v", h.client.Stats())
}

func endpointOf(srv *sshtest.Server) Endpoint {
	return Endpoint{Host: srv.Host(), Port: srv.Port()}
}

func passwordCreds() Credentials {
	return Credentials{User: testUser, Password: testPassword}
}

// bufferSink collects shell output. Feed runs on the loop goroutine while
// tests read from theirs.
type bufferSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bufferSink) Feed(p []byte) {
	b.mu.Lock()
	b.buf.Write(p)
	b.mu.Unlock()
}

func (b *bufferSink) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *bufferSink) waitFor(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(b.String()), []byte(want))
	}, waitFor, tick, "output so far: %q", b.String())
}

// display is a stand-in local X server that hands accepted connections to
// the test in order.
type display struct {
	ln    net.Listener
	conns chan net.Conn
}

func newDisplay(t *testing.T) *display {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &display{ln: ln, conns: make(chan net.Conn, 16)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { c.Close() })
			d.conns <- c
		}
	}()
	return d
}

func (d *display) Addr() string { return d.ln.Addr().String() }

func (d *display) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no display connection")
		return nil
	}
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b := make([]byte, n)
		_, err := io.ReadFull(r, b)
		ch <- result{b, err}
	}()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return string(res.b)
	case <-time.After(waitFor):
		t.Fatalf("timed out reading %d bytes", n)
		return ""
	}
}

func writeKey(t *testing.T, passphrase string) (path string, pub gossh.PublicKey) {
	t.Helper()
	priv, pubBytes, err := GenerateKeyPair("test", passphrase)
	require.NoError(t, err)
	path = filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, priv, 0600))
	pub, _, _, _, err = gossh.ParseAuthorizedKey(pubBytes)
	require.NoError(t, err)
	return path, pub
}
