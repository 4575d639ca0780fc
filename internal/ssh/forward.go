package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	gossh "golang.org/x/crypto/ssh"

	"github.com/kkshell/kksh/internal/eventloop"
	"github.com/kkshell/kksh/internal/nbio"
)

// x11ChannelData is the extra data of an "x11" channel open (RFC 4254 §6.3.2).
type x11ChannelData struct {
	OriginatorAddress string
	OriginatorPort    uint32
}

type forwardState int

const (
	forwardCreated forwardState = iota
	forwardBridged
	forwardClosed
)

// forwardEntry pairs one X11 channel with its local display connection.
// The two halves and the readiness handle are only ever released together.
type forwardEntry struct {
	id     uint64
	origin string
	state  forwardState

	channel *nbio.Stream
	local   *nbio.Stream
	handle  eventloop.Handle

	// Bytes read from the channel that the local socket could not take yet.
	stash []byte
	buf   []byte
}

// forwardSet holds a session's bridged X11 channels in arrival order.
type forwardSet struct {
	s       *Session
	entries []*forwardEntry
	nextID  uint64
	pumpBuf []byte
}

func newForwardSet(s *Session) *forwardSet {
	return &forwardSet{s: s, nextID: 1}
}

func (f *forwardSet) info() []ForwardInfo {
	out := make([]ForwardInfo, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, ForwardInfo{ID: e.id, Origin: e.origin})
	}
	return out
}

// x11Dial is a finished display dial waiting for the pump.
type x11Dial struct {
	nc     gossh.NewChannel
	id     uint64
	origin string
	conn   net.Conn
	err    error
}

// open starts reaching the local display for a channel the server asked to
// open. The dial runs on its own goroutine; bridge finishes the job on the
// loop once the result is queued.
func (f *forwardSet) open(nc gossh.NewChannel) {
	s := f.s

	var data x11ChannelData
	origin := "unknown"
	if err := gossh.Unmarshal(nc.ExtraData(), &data); err == nil {
		origin = net.JoinHostPort(data.OriginatorAddress, strconv.Itoa(int(data.OriginatorPort)))
	}
	d := &x11Dial{nc: nc, id: f.nextID, origin: origin}
	f.nextID++

	dial := s.client.opts.X11.Dial
	addr := s.client.opts.X11.Addr
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, localDialTimeout)
		defer cancel()
		d.conn, d.err = dial(ctx, "tcp", addr)
		s.enqueueDialed(d)
	}()
}

// bridge accepts the channel of a finished dial and pairs it with the
// display connection. If the display could not be reached the channel is
// rejected and nothing is kept.
func (f *forwardSet) bridge(d *x11Dial) {
	s := f.s
	c := s.client

	if d.err != nil {
		s.log.Warn("x11 display unavailable", "display", c.opts.X11.Addr, "error", d.err)
		d.nc.Reject(gossh.ConnectionFailed, "local display unavailable")
		return
	}
	conn := c.trackConn(d.conn)

	ch, reqs, err := d.nc.Accept()
	if err != nil {
		s.log.Warn("x11 channel accept failed", "error", err)
		conn.Close()
		return
	}
	go gossh.DiscardRequests(reqs)

	e := &forwardEntry{id: d.id, origin: d.origin, state: forwardCreated}
	e.channel = nbio.New(c.trackChannel(ch), nbio.Options{
		ReadBuffer:  c.opts.ReadBuffer,
		WriteBuffer: c.opts.WriteBuffer,
		Notify:      s.notify,
	})
	e.local = nbio.New(conn, nbio.Options{
		ReadBuffer:  c.opts.ReadBuffer,
		WriteBuffer: c.opts.WriteBuffer,
	})
	e.buf = make([]byte, 32*1024)
	e.handle = c.opts.Loop.Register(fmt.Sprintf("x11:%s:%d", s.id, e.id), func() { f.onLocalReady(e) })
	e.local.SetNotify(e.handle.Notify)
	e.state = forwardBridged
	f.entries = append(f.entries, e)

	s.log.Info("x11 channel bridged", "forward", e.id, "origin", e.origin)
	e.handle.Notify()
}

// drop rejects a dial that finished after the session started closing.
func (d *x11Dial) drop() {
	if d.conn != nil {
		d.conn.Close()
	}
	d.nc.Reject(gossh.ConnectionFailed, "session closing")
}

// snapshot lets callers iterate while entries close themselves.
func (f *forwardSet) snapshot() []*forwardEntry {
	return append([]*forwardEntry(nil), f.entries...)
}

// pumpRemote moves channel data to the local sockets. It never yields to
// the loop: whatever a local socket cannot take is stashed on the entry.
func (f *forwardSet) pumpRemote() {
	if f.pumpBuf == nil && len(f.entries) > 0 {
		f.pumpBuf = make([]byte, 32*1024)
	}
	for _, e := range f.snapshot() {
		if e.state != forwardBridged {
			continue
		}
		f.pumpEntry(e)
	}
}

func (f *forwardSet) pumpEntry(e *forwardEntry) {
	if !f.flushStash(e) {
		return
	}
	for e.state == forwardBridged {
		n, err := e.channel.Read(f.pumpBuf)
		if n > 0 {
			w, werr := e.local.Write(f.pumpBuf[:n])
			if errors.Is(werr, nbio.ErrWouldBlock) {
				e.stash = append(e.stash, f.pumpBuf[w:n]...)
				return
			}
			if werr != nil {
				f.close(e, "local write", werr)
				return
			}
		}
		if errors.Is(err, nbio.ErrWouldBlock) {
			return
		}
		if err != nil {
			f.close(e, "channel closed", err)
			return
		}
	}
}

// flushStash retries stashed channel bytes. It reports whether the stash
// is now empty and the entry still open.
func (f *forwardSet) flushStash(e *forwardEntry) bool {
	if len(e.stash) == 0 {
		return true
	}
	n, err := e.local.Write(e.stash)
	e.stash = e.stash[n:]
	if errors.Is(err, nbio.ErrWouldBlock) {
		return false
	}
	if err != nil {
		f.close(e, "local write", err)
		return false
	}
	e.stash = nil
	return true
}

// onLocalReady is the readiness callback of an entry's local socket.
func (f *forwardSet) onLocalReady(e *forwardEntry) {
	if e.state != forwardBridged {
		return
	}
	e.handle.SetEnabled(false)
	defer func() {
		if e.state == forwardBridged {
			e.handle.SetEnabled(true)
		}
	}()

	if len(e.stash) > 0 {
		if !f.flushStash(e) {
			return
		}
		// The pump stopped reading this channel while the stash was full.
		f.s.notify()
	}

	alive := func() bool { return e.state == forwardBridged }
	for e.state == forwardBridged {
		n, err := e.local.Read(e.buf)
		if n > 0 {
			if werr := f.s.writeAll(e.channel, e.buf[:n], alive); werr != nil {
				if !errors.Is(werr, ErrSessionClosed) {
					f.close(e, "channel write", werr)
				}
				return
			}
		}
		if errors.Is(err, nbio.ErrWouldBlock) {
			return
		}
		if err != nil {
			f.close(e, "local closed", err)
			return
		}
	}
}

// close deregisters the entry, closes both halves and drops it from the
// set in one step.
func (f *forwardSet) close(e *forwardEntry, reason string, err error) {
	if e.state == forwardClosed {
		return
	}
	f.release(e)
	for i, x := range f.entries {
		if x == e {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			break
		}
	}
	f.s.log.Info("x11 channel closed", "forward", e.id, "reason", reason, "error", err)
}

func (f *forwardSet) release(e *forwardEntry) {
	e.state = forwardClosed
	if e.handle != nil {
		e.handle.Deregister()
	}
	e.local.Close()
	e.channel.Close()
	e.stash = nil
}

func (f *forwardSet) closeAll() {
	for _, e := range f.entries {
		if e.state != forwardClosed {
			f.release(e)
		}
	}
	f.entries = nil
}
