package cli

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kkshell/kksh/internal/config"
	"github.com/kkshell/kksh/internal/ssh"
)

// defaultKeys are tried in order when neither a profile nor -i names a key.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// resolveTarget looks arg up as a saved profile, then parses it as
// [user@]host[:port].
func resolveTarget(cfg *config.Config, arg string) (ssh.Endpoint, ssh.Credentials, error) {
	if p, ok := cfg.FindSession(arg); ok {
		return ssh.ProfileTarget(p)
	}

	u, host, port, err := parseTarget(arg)
	if err != nil {
		return ssh.Endpoint{}, ssh.Credentials{}, err
	}
	if u == "" {
		u = currentUser()
	}
	return ssh.Endpoint{Host: host, Port: port}, ssh.Credentials{User: u}, nil
}

func parseTarget(arg string) (userName, host string, port uint16, err error) {
	if i := strings.LastIndex(arg, "@"); i >= 0 {
		userName, arg = arg[:i], arg[i+1:]
	}
	host = arg

	// host:port and [v6]:port; a bare IPv6 address has no port.
	if strings.HasPrefix(arg, "[") || strings.Count(arg, ":") == 1 {
		h, p, splitErr := net.SplitHostPort(arg)
		if splitErr != nil {
			host = strings.TrimSuffix(strings.TrimPrefix(arg, "["), "]")
		} else {
			n, convErr := strconv.ParseUint(p, 10, 16)
			if convErr != nil || n == 0 {
				return "", "", 0, fmt.Errorf("invalid port %q", p)
			}
			host, port = h, uint16(n)
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("missing host in %q", arg)
	}
	return userName, host, port, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// defaultKey returns the first existing key under ~/.ssh, or "".
func defaultKey() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range defaultKeys {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
