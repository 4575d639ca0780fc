package ssh

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const (
	x11AuthProtocol = "MIT-MAGIC-COOKIE-1"
	x11BasePort     = 6000
)

// DisplayAddr turns an X display name ("host:D.S") into the TCP address of
// the display and its screen number. An empty name falls back to $DISPLAY
// and then ":0". A missing host, "unix" or "localhost" means the loopback
// address, since forwarded connections are always made over TCP.
func DisplayAddr(display string) (addr string, screen uint32, err error) {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		display = ":0"
	}

	i := strings.LastIndex(display, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid display %q", display)
	}
	host, rest := display[:i], display[i+1:]
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if host == "" || host == "unix" || host == "localhost" || strings.HasPrefix(host, "/") {
		host = "127.0.0.1"
	}

	num, scr, _ := strings.Cut(rest, ".")
	d, err := strconv.ParseUint(num, 10, 16)
	if err != nil || d > 65535-x11BasePort {
		return "", 0, fmt.Errorf("invalid display number in %q", display)
	}
	if scr != "" {
		s, err := strconv.ParseUint(scr, 10, 32)
		if err != nil {
			return "", 0, fmt.Errorf("invalid screen number in %q", display)
		}
		screen = uint32(s)
	}

	return net.JoinHostPort(host, strconv.Itoa(x11BasePort+int(d))), screen, nil
}

// newX11Cookie returns a random 128-bit MIT-MAGIC-COOKIE-1 value in hex.
func newX11Cookie() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating x11 cookie: %w", err)
	}
	return hex.EncodeToString(b), nil
}
