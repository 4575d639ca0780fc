// Package nbio adapts blocking byte streams (SSH channels, local sockets)
// into non-blocking ones that report would-block instead of waiting.
//
// A Stream runs one goroutine per direction. Those goroutines only move
// bytes between the underlying stream and the Stream's own buffers and then
// invoke the notify callback, so the caller can keep all protocol state on a
// single event loop and poll the Stream from there.
package nbio

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrWouldBlock is returned when a read has no buffered data or a write
	// found no free buffer space. It is a retry signal, not a failure.
	ErrWouldBlock = errors.New("nbio: operation would block")

	// ErrClosed is returned by operations on a Stream after Close.
	ErrClosed = errors.New("nbio: stream closed")
)

const defaultBuffer = 64 * 1024

// Options configures a Stream.
type Options struct {
	// Stderr is an optional secondary inbound stream (SSH extended data).
	Stderr io.Reader
	// ReadBuffer caps bytes buffered per inbound stream. The reader goroutine
	// stops pulling from the source while the buffer is full.
	ReadBuffer int
	// WriteBuffer caps bytes accepted by Write but not yet written through.
	WriteBuffer int
	// Notify is called from background goroutines whenever the Stream's
	// readiness changes. It must be safe for concurrent use and must not block.
	Notify func()
}

type inbound struct {
	buf []byte
	err error
}

// Stream is a non-blocking view over an io.ReadWriteCloser.
type Stream struct {
	rwc io.ReadWriteCloser

	notifyMu sync.Mutex
	notify   func()

	mu       sync.Mutex
	cond     *sync.Cond
	rcap     int
	wcap     int
	stdout   inbound
	stderr   inbound
	out      []byte
	inflight int
	werr     error
	closed   bool
}

// New starts the background goroutines for rwc and returns the Stream.
func New(rwc io.ReadWriteCloser, opts Options) *Stream {
	s := &Stream{
		rwc:    rwc,
		notify: opts.Notify,
		rcap:   opts.ReadBuffer,
		wcap:   opts.WriteBuffer,
	}
	if s.rcap <= 0 {
		s.rcap = defaultBuffer
	}
	if s.wcap <= 0 {
		s.wcap = defaultBuffer
	}
	s.cond = sync.NewCond(&s.mu)

	go s.readLoop(rwc, &s.stdout)
	if opts.Stderr != nil {
		go s.readLoop(opts.Stderr, &s.stderr)
	} else {
		s.stderr.err = io.EOF
	}
	go s.writeLoop()
	return s
}

// SetNotify replaces the readiness callback.
func (s *Stream) SetNotify(fn func()) {
	s.notifyMu.Lock()
	s.notify = fn
	s.notifyMu.Unlock()
}

func (s *Stream) signal() {
	s.notifyMu.Lock()
	fn := s.notify
	s.notifyMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Read copies buffered inbound bytes into p. It returns ErrWouldBlock when
// nothing is buffered and the source is still open, and the source's
// terminal error (usually io.EOF) once the buffer is drained after the
// source ended.
func (s *Stream) Read(p []byte) (int, error) {
	return s.read(&s.stdout, p)
}

// ReadStderr is Read for the secondary stream. Streams created without
// Options.Stderr report io.EOF here.
func (s *Stream) ReadStderr(p []byte) (int, error) {
	return s.read(&s.stderr, p)
}

func (s *Stream) read(in *inbound, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if len(in.buf) > 0 {
		n := copy(p, in.buf)
		in.buf = in.buf[n:]
		if len(in.buf) == 0 {
			in.buf = nil
		}
		s.cond.Broadcast()
		return n, nil
	}
	if in.err != nil {
		return 0, in.err
	}
	return 0, ErrWouldBlock
}

// Write queues as much of p as fits in the outbound buffer. When only part
// of p (possibly none) was accepted it returns the accepted count together
// with ErrWouldBlock. A failure of an earlier background write is returned
// as a hard error.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.werr != nil {
		return 0, s.werr
	}
	room := s.wcap - len(s.out) - s.inflight
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	n := len(p)
	if n > room {
		n = room
	}
	s.out = append(s.out, p[:n]...)
	s.cond.Broadcast()
	if n < len(p) {
		return n, ErrWouldBlock
	}
	return n, nil
}

// Pending reports bytes accepted by Write that have not yet been handed to
// the underlying stream.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out) + s.inflight
}

// Close closes the underlying stream and stops the background goroutines.
// It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return s.rwc.Close()
}

func (s *Stream) readLoop(r io.Reader, in *inbound) {
	chunk := make([]byte, 32*1024)
	for {
		s.mu.Lock()
		for !s.closed && len(in.buf) >= s.rcap {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		room := s.rcap - len(in.buf)
		s.mu.Unlock()

		if room > len(chunk) {
			room = len(chunk)
		}
		n, err := r.Read(chunk[:room])

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		in.buf = append(in.buf, chunk[:n]...)
		if err != nil {
			in.err = err
		}
		s.mu.Unlock()

		if n > 0 || err != nil {
			s.signal()
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) writeLoop() {
	for {
		s.mu.Lock()
		for !s.closed && len(s.out) == 0 {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		chunk := s.out
		s.out = nil
		s.inflight = len(chunk)
		s.mu.Unlock()

		_, err := s.rwc.Write(chunk)

		s.mu.Lock()
		s.inflight = 0
		if err != nil {
			s.werr = err
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return
		}
		s.signal()
		if err != nil {
			return
		}
	}
}
