package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

func newKey(t *testing.T) gossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	k, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)
	return k
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "nested", "known_hosts"))
}

func verify(t *testing.T, s *Store, host string, port int, key gossh.PublicKey) Verdict {
	t.Helper()
	v, err := s.Verify(host, port, key.Type(), key.Marshal())
	require.NoError(t, err)
	return v
}

func TestFirstUseThenMatch(t *testing.T) {
	s := newStore(t)
	key := newKey(t)

	assert.Equal(t, NewAndTrusted, verify(t, s, "example.com", 22, key))
	assert.Equal(t, Match, verify(t, s, "example.com", 22, key))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "example.com ssh-ed25519 "))

	info, err := os.Stat(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestChangedKeyIsMismatch(t *testing.T) {
	s := newStore(t)
	assert.Equal(t, NewAndTrusted, verify(t, s, "example.com", 2222, newKey(t)))
	assert.Equal(t, Mismatch, verify(t, s, "example.com", 2222, newKey(t)))
}

func TestTrustIsKeyedByPort(t *testing.T) {
	s := newStore(t)
	key := newKey(t)

	assert.Equal(t, NewAndTrusted, verify(t, s, "example.com", 22, key))
	// Same host, different port: a separate record, never a Match.
	assert.Equal(t, NewAndTrusted, verify(t, s, "example.com", 2222, key))
	assert.Equal(t, Mismatch, verify(t, s, "example.com", 2222, newKey(t)))
	assert.Equal(t, Match, verify(t, s, "example.com", 22, key))
}

func TestRevokedKeyIsMismatch(t *testing.T) {
	s := newStore(t)
	key := newKey(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0700))
	line := "@revoked " + knownLine("example.com", key)
	require.NoError(t, os.WriteFile(s.Path(), []byte(line+"\n"), 0600))

	assert.Equal(t, Mismatch, verify(t, s, "example.com", 22, key))
}

func TestAppendFailureStillTrusts(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))
	s := NewStore(filepath.Join(blocker, "known_hosts"))

	key := newKey(t)
	v, err := s.Verify("example.com", 22, key.Type(), key.Marshal())
	assert.Equal(t, NewAndTrusted, v)
	assert.Error(t, err)
}

func TestKeyTypeMustAgree(t *testing.T) {
	s := newStore(t)
	key := newKey(t)
	_, err := s.Verify("example.com", 22, "ssh-rsa", key.Marshal())
	assert.Error(t, err)
}

func TestListAndForget(t *testing.T) {
	s := newStore(t)
	a, b := newKey(t), newKey(t)
	verify(t, s, "a.example", 22, a)
	verify(t, s, "b.example", 2200, b)

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"a.example"}, records[0].Hosts)
	assert.Equal(t, []string{"[b.example]:2200"}, records[1].Hosts)
	assert.Equal(t, Fingerprint(b), records[1].Fingerprint)

	n, err := s.Forget("b.example", 2200)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Forgotten host is trusted afresh with a new key.
	assert.Equal(t, NewAndTrusted, verify(t, s, "b.example", 2200, newKey(t)))
	assert.Equal(t, Match, verify(t, s, "a.example", 22, a))
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "example.com", Address("example.com", 22))
	assert.Equal(t, "[example.com]:2222", Address("example.com", 2222))
}

func knownLine(host string, key gossh.PublicKey) string {
	return host + " " + strings.TrimSpace(string(gossh.MarshalAuthorizedKey(key)))
}
