//go:build windows

package cli

// Windows consoles deliver no resize signal.
func watchTermResize(fd int, fn func(cols, rows int)) (stop func()) {
	return func() {}
}
