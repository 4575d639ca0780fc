//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// watchTermResize calls fn with the new size of fd on every SIGWINCH until
// the returned stop func is called.
func watchTermResize(fd int, fn func(cols, rows int)) (stop func()) {
	sigWinch := make(chan os.Signal, 1)
	signal.Notify(sigWinch, syscall.SIGWINCH)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigWinch:
				if c, r, err := term.GetSize(fd); err == nil {
					fn(c, r)
				}
			}
		}
	}()
	return func() {
		signal.Stop(sigWinch)
		close(done)
	}
}
