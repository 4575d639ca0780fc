// Package sessionlog records shell output alongside the terminal. Each
// function wraps an ssh.Sink so every chunk the engine delivers is also
// written to a log.
package sessionlog

import (
	"encoding/hex"
	"io"
	"log/slog"
	"sync"

	"github.com/kkshell/kksh/internal/ssh"
)

// Logger is a Sink that also records everything it is fed. Close flushes
// and closes the underlying writer.
type Logger struct {
	next ssh.Sink
	mu   sync.Mutex
	w    io.Writer
	c    io.Closer
	err  error
}

// Text records output verbatim, as typed and printed.
func Text(next ssh.Sink, w io.WriteCloser) *Logger {
	return &Logger{next: orDiscard(next), w: w, c: w}
}

// Hex records output as a hexdump -C style listing, which keeps escape
// sequences and binary noise readable.
func Hex(next ssh.Sink, w io.WriteCloser) *Logger {
	d := hex.Dumper(w)
	return &Logger{next: orDiscard(next), w: d, c: closers{d, w}}
}

func (l *Logger) Feed(p []byte) {
	l.next.Feed(p)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	if _, err := l.w.Write(p); err != nil {
		// Logging stops; the session does not.
		l.err = err
		slog.Warn("session log write failed", "error", err)
	}
}

// Err returns the first write error, if any.
func (l *Logger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Close()
}

// Tee feeds every chunk to each sink in order. Nil sinks are skipped.
func Tee(sinks ...ssh.Sink) ssh.Sink {
	var live []ssh.Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return ssh.SinkFunc(func(p []byte) {
		for _, s := range live {
			s.Feed(p)
		}
	})
}

func orDiscard(s ssh.Sink) ssh.Sink {
	if s == nil {
		return ssh.SinkFunc(func([]byte) {})
	}
	return s
}

// closers closes the hex dumper first so its trailing line is written.
type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
