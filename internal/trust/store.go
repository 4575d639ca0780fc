// Package trust keeps the per-user SSH host key trust database.
//
// Records use the OpenSSH known_hosts format so the file stays readable by
// ssh(1) and other clients. Unknown hosts are trusted on first use.
package trust

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Verdict is the outcome of checking a host key against the store.
type Verdict int

const (
	// Match means a record for the endpoint holds this exact key.
	Match Verdict = iota
	// NewAndTrusted means no record existed and the key was accepted.
	NewAndTrusted
	// Mismatch means the endpoint is known with a different key.
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case NewAndTrusted:
		return "new"
	case Mismatch:
		return "mismatch"
	default:
		return "verdict(" + strconv.Itoa(int(v)) + ")"
	}
}

// Record is one parsed line of the trust file.
type Record struct {
	Hosts       []string
	KeyType     string
	Fingerprint string
	Revoked     bool
	Line        int
}

// Store is a known_hosts file. The zero value is not usable; use NewStore.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by path. The file need not exist yet.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the location of the trust file.
func (s *Store) Path() string { return s.path }

// Address returns the record key for host:port, e.g. "example.com" for
// port 22 and "[example.com]:2222" otherwise.
func Address(host string, port int) string {
	return knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))
}

// Fingerprint returns the SHA256 fingerprint in OpenSSH notation.
func Fingerprint(key gossh.PublicKey) string {
	return gossh.FingerprintSHA256(key)
}

// Verify checks keyBlob (wire format) of type keyType offered by host:port.
//
// An unknown endpoint is appended to the file and reported as NewAndTrusted;
// a failed append is returned as the error alongside that verdict. Errors
// reading the file are also returned with NewAndTrusted, so callers that
// only abort on Mismatch keep connecting. A revoked key is a Mismatch.
func (s *Store) Verify(host string, port int, keyType string, keyBlob []byte) (Verdict, error) {
	key, err := gossh.ParsePublicKey(keyBlob)
	if err != nil {
		return NewAndTrusted, fmt.Errorf("parsing host key: %w", err)
	}
	if keyType != "" && key.Type() != keyType {
		return NewAndTrusted, fmt.Errorf("host key type %q does not match offered type %q", key.Type(), keyType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	err = s.check(addr, port, key)
	if err == nil {
		return Match, nil
	}

	var keyErr *knownhosts.KeyError
	var revErr *knownhosts.RevokedError
	switch {
	case errors.As(err, &revErr):
		return Mismatch, nil
	case errors.As(err, &keyErr) && len(keyErr.Want) > 0:
		return Mismatch, nil
	case errors.As(err, &keyErr):
		return NewAndTrusted, s.append(Address(host, port), key)
	default:
		return NewAndTrusted, err
	}
}

func (s *Store) check(addr string, port int, key gossh.PublicKey) error {
	cb, err := knownhosts.New(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &knownhosts.KeyError{}
		}
		return fmt.Errorf("loading %s: %w", s.path, err)
	}
	// The callback insists on a TCP peer address. Trust is keyed by name
	// and port only, so pass a placeholder that no record can name.
	remote := &net.TCPAddr{IP: net.IPv6unspecified, Port: port}
	return cb(addr, remote, key)
}

func (s *Store) append(addr string, key gossh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating trust store directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(knownhosts.Line([]string{addr}, key) + "\n"); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	return nil
}

// List returns the records in file order. A missing file yields no records.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		marker, hosts, key, _, _, err := gossh.ParseKnownHosts(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", s.path, n, err)
		}
		if marker == "cert-authority" {
			continue
		}
		records = append(records, Record{
			Hosts:       hosts,
			KeyType:     key.Type(),
			Fingerprint: Fingerprint(key),
			Revoked:     marker == "revoked",
			Line:        n,
		})
	}
	return records, sc.Err()
}

// Forget removes every plain (unhashed) record naming host:port and
// returns how many lines were dropped.
func (s *Store) Forget(host string, port int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", s.path, err)
	}

	addr := Address(host, port)
	var kept []string
	removed := 0
	for _, line := range strings.Split(string(data), "\n") {
		if recordNames(line, addr) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := os.WriteFile(s.path, []byte(strings.Join(kept, "\n")), 0600); err != nil {
		return 0, fmt.Errorf("writing %s: %w", s.path, err)
	}
	return removed, nil
}

func recordNames(line, addr string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	_, hosts, _, _, _, err := gossh.ParseKnownHosts([]byte(trimmed))
	if err != nil {
		return false
	}
	for _, h := range hosts {
		if h == addr {
			return true
		}
	}
	return false
}
