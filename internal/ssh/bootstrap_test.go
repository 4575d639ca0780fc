package ssh

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"github.com/kkshell/kksh/internal/sshtest"
	"github.com/kkshell/kksh/internal/trust"
)

func TestPasswordConnect(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword})
	h := newHarness(t, nil)

	s := h.mustConnect(srv, passwordCreds(), nil)

	conn, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	assert.Equal(t, testUser, conn.User())
	require.NotNil(t, conn.Pty())
	assert.Equal(t, sshtest.Pty{Term: "xterm-256color", Cols: 80, Rows: 24}, *conn.Pty())
	assert.False(t, conn.X11Requested())

	assert.Equal(t, Stats{Sockets: 1, Channels: 1, Sessions: 1}, h.client.Stats())
	got, ok := h.client.Session(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	var connected bool
	h.on(func() { connected = s.Connected() })
	assert.True(t, connected)

	records, err := h.store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, trust.Fingerprint(srv.HostKey()), records[0].Fingerprint)
}

func TestKeyboardInteractiveUsesPassword(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword, KeyboardInteractive: true})
	h := newHarness(t, nil)

	h.mustConnect(srv, passwordCreds(), nil)
}

func TestPublicKeyAuth(t *testing.T) {
	keyPath, pub := writeKey(t, "")
	srv := sshtest.Start(t, sshtest.Options{User: testUser, AuthorizedKeys: []gossh.PublicKey{pub}})
	h := newHarness(t, nil)

	require.NoError(t, os.WriteFile(keyPath+".pub", gossh.MarshalAuthorizedKey(pub), 0644))

	h.mustConnect(srv, Credentials{User: testUser, Key: &KeyCredential{
		PrivateKeyPath: keyPath,
		PublicKeyPath:  keyPath + ".pub",
	}}, nil)
}

func TestEncryptedKeyWithPassphrase(t *testing.T) {
	keyPath, pub := writeKey(t, "hunter2")
	srv := sshtest.Start(t, sshtest.Options{User: testUser, AuthorizedKeys: []gossh.PublicKey{pub}})
	h := newHarness(t, nil)

	h.mustConnect(srv, Credentials{User: testUser, Key: &KeyCredential{PrivateKeyPath: keyPath, Passphrase: "hunter2"}}, nil)
}

func TestRejectedKeyFallsBackToPassword(t *testing.T) {
	_, authorized := writeKey(t, "")
	keyPath, _ := writeKey(t, "")
	srv := sshtest.Start(t, sshtest.Options{
		User:           testUser,
		Password:       testPassword,
		AuthorizedKeys: []gossh.PublicKey{authorized},
	})
	h := newHarness(t, nil)

	creds := passwordCreds()
	creds.Key = &KeyCredential{PrivateKeyPath: keyPath}
	h.mustConnect(srv, creds, nil)
}

func TestMissingKeyFileFallsBackToPassword(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword})
	h := newHarness(t, nil)

	creds := passwordCreds()
	creds.Key = &KeyCredential{PrivateKeyPath: filepath.Join(t.TempDir(), "nope")}
	h.mustConnect(srv, creds, nil)
}

func TestUnusableKeyFailsWithoutDialing(t *testing.T) {
	encrypted, _ := writeKey(t, "hunter2")
	plain, _ := writeKey(t, "")
	_, other := writeKey(t, "")
	otherPub := filepath.Join(t.TempDir(), "other.pub")
	require.NoError(t, os.WriteFile(otherPub, gossh.MarshalAuthorizedKey(other), 0644))

	tests := []struct {
		name string
		key  KeyCredential
	}{
		{"wrong passphrase", KeyCredential{PrivateKeyPath: encrypted, Passphrase: "wrong"}},
		{"missing passphrase", KeyCredential{PrivateKeyPath: encrypted}},
		{"public key mismatch", KeyCredential{PrivateKeyPath: plain, PublicKeyPath: otherPub}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword})
			h := newHarness(t, nil)

			creds := passwordCreds()
			key := tt.key
			creds.Key = &key
			_, err := h.connect(endpointOf(srv), creds, nil)

			require.ErrorIs(t, err, AuthFailed)
			assert.Equal(t, 0, srv.Accepted())
			h.assertNoLeaks()
		})
	}
}

func TestWrongPasswordIsAuthFailed(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "user", Password: "right"})
	h := newHarness(t, func(o *Options) {
		o.Resolve = func(_ context.Context, host string) ([]string, error) {
			assert.Equal(t, "test.local", host)
			return []string{"127.0.0.1"}, nil
		}
		o.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			assert.Equal(t, "127.0.0.1:22", addr)
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Addr())
		}
	})

	_, err := h.connect(Endpoint{Host: "test.local", Port: 22}, Credentials{User: "user", Password: "wrong"}, nil)

	require.ErrorIs(t, err, AuthFailed)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "user", e.User)
	assert.Equal(t, 1, srv.Accepted())
	assert.Equal(t, 0, srv.Authenticated())
	h.assertNoLeaks()
}

func TestHostKeyMismatch(t *testing.T) {
	first := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword})
	second := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword})

	target := first
	h := newHarness(t, func(o *Options) {
		o.Resolve = func(context.Context, string) ([]string, error) { return []string{"127.0.0.1"}, nil }
		o.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, target.Addr())
		}
	})
	ep := Endpoint{Host: "box.example", Port: 2222}

	s, err := h.connect(ep, passwordCreds(), nil)
	require.NoError(t, err)
	h.on(s.Disconnect)

	target = second
	_, err = h.connect(ep, passwordCreds(), nil)

	require.ErrorIs(t, err, HostKeyMismatch)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ep, e.Endpoint)
	assert.Equal(t, trust.Fingerprint(second.HostKey()), e.Fingerprint)
	assert.Equal(t, h.store.Path(), e.KnownHosts)
	assert.Contains(t, err.Error(), e.Fingerprint)
	assert.Contains(t, err.Error(), h.store.Path())
	assert.Equal(t, 0, second.Authenticated())

	// The record is left for a human to resolve.
	records, err := h.store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, trust.Fingerprint(first.HostKey()), records[0].Fingerprint)
	h.assertNoLeaks()
}

func TestTrustIsPerPort(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword})
	h := newHarness(t, func(o *Options) {
		o.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Addr())
		}
	})

	for _, port := range []uint16{22, 2222} {
		s, err := h.connect(Endpoint{Host: "127.0.0.1", Port: port}, passwordCreds(), nil)
		require.NoError(t, err)
		h.on(s.Disconnect)
	}

	records, err := h.store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"127.0.0.1"}, records[0].Hosts)
	assert.Equal(t, []string{"[127.0.0.1]:2222"}, records[1].Hosts)
}

func TestConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	h := newHarness(t, nil)
	_, err = h.connect(Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)}, passwordCreds(), nil)

	require.ErrorIs(t, err, ConnectFailed)
	h.assertNoLeaks()
}

func TestConnectTriesEveryCandidate(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword})
	var dialed []string
	h := newHarness(t, func(o *Options) {
		o.Resolve = func(context.Context, string) ([]string, error) {
			return []string{"192.0.2.1", "192.0.2.2", "127.0.0.1"}, nil
		}
		o.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialed = append(dialed, addr)
			if !strings.HasPrefix(addr, "127.0.0.1:") {
				return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
			}
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Addr())
		}
	})

	_, err := h.connect(Endpoint{Host: "multi.example", Port: 22}, passwordCreds(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1:22", "192.0.2.2:22", "127.0.0.1:22"}, dialed)
}

func TestResolveFailureIsConnectFailed(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Resolve = func(context.Context, string) ([]string, error) {
			return nil, &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}
		}
	})

	_, err := h.connect(Endpoint{Host: "nowhere.invalid"}, passwordCreds(), nil)
	require.ErrorIs(t, err, ConnectFailed)
}

func TestSocketCreateFailed(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Resolve = func(context.Context, string) ([]string, error) { return []string{"127.0.0.1"}, nil }
		o.Dial = func(_ context.Context, network, _ string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: network, Err: os.NewSyscallError("socket", syscall.EMFILE)}
		}
	})

	_, err := h.connect(Endpoint{Host: "box"}, passwordCreds(), nil)
	require.ErrorIs(t, err, SocketCreateFailed)
	assert.ErrorIs(t, err, syscall.EMFILE)
}

func TestHandshakeFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			c.Close()
		}
	}()

	h := newHarness(t, nil)
	addr := ln.Addr().(*net.TCPAddr)
	_, err = h.connect(Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)}, passwordCreds(), nil)

	require.ErrorIs(t, err, HandshakeFailed)
	h.assertNoLeaks()
}

func TestBootstrapCancel(t *testing.T) {
	// A peer that accepts and then never speaks.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { c.Close() })
		}
	}()

	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	addr := ln.Addr().(*net.TCPAddr)
	start := time.Now()
	_, err = h.client.Bootstrap(ctx, Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)}, passwordCreds())

	require.ErrorIs(t, err, HandshakeFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	h.assertNoLeaks()
}

func TestChannelFailed(t *testing.T) {
	tests := []struct {
		name   string
		opts   sshtest.Options
		x11    bool
		detail string
	}{
		{"pty rejected", sshtest.Options{RejectPty: true}, false, "pty-req"},
		{"x11 rejected", sshtest.Options{RejectX11: true}, true, "x11-req"},
		{"shell rejected", sshtest.Options{RejectShell: true}, false, "shell"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.User, opts.Password = testUser, testPassword
			srv := sshtest.Start(t, opts)
			h := newHarness(t, func(o *Options) {
				o.X11 = X11Options{Enabled: tt.x11, Addr: "127.0.0.1:6000"}
			})

			_, err := h.connect(endpointOf(srv), passwordCreds(), nil)

			require.ErrorIs(t, err, ChannelFailed)
			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.detail, e.Detail)
			h.assertNoLeaks()
		})
	}
}

func TestConnectOnLoop(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: testUser, Password: testPassword})
	h := newHarness(t, nil)
	sink := &bufferSink{}

	var s *Session
	var err error
	h.on(func() { s, err = h.client.Connect(context.Background(), endpointOf(srv), passwordCreds(), sink) })
	require.NoError(t, err)

	h.send(s, "ping\n")
	sink.waitFor(t, "ping\n")
}

func TestNewClientRequiresLoopAndTrust(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)

	_, err = NewClient(Options{Loop: newHarness(t, nil).loop})
	assert.Error(t, err)
}

func TestErrorMatching(t *testing.T) {
	err := error(&Error{Kind: AuthFailed, Endpoint: Endpoint{Host: "h"}, User: "bob"})
	wrapped := errors.Join(errors.New("context"), err)

	assert.ErrorIs(t, wrapped, AuthFailed)
	assert.NotErrorIs(t, wrapped, HandshakeFailed)
	assert.Equal(t, AuthFailed, KindOf(wrapped))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), `"bob"`)
	assert.Contains(t, err.Error(), "h:22")
	assert.True(t, RemoteClosed.Established())
	assert.False(t, ConnectFailed.Established())
}
