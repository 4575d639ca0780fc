package ssh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayAddr(t *testing.T) {
	tests := []struct {
		display string
		addr    string
		screen  uint32
		wantErr bool
	}{
		{display: ":0", addr: "127.0.0.1:6000"},
		{display: ":10.2", addr: "127.0.0.1:6010", screen: 2},
		{display: "localhost:1", addr: "127.0.0.1:6001"},
		{display: "unix:3", addr: "127.0.0.1:6003"},
		{display: "/tmp/.X11-unix/X0:0", addr: "127.0.0.1:6000"},
		{display: "x.example:4.0", addr: "x.example:6004"},
		{display: "[::1]:1", addr: "[::1]:6001"},
		{display: "nocolon", wantErr: true},
		{display: ":abc", wantErr: true},
		{display: ":0.x", wantErr: true},
		{display: ":70000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.display, func(t *testing.T) {
			addr, screen, err := DisplayAddr(tt.display)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, addr)
			assert.Equal(t, tt.screen, screen)
		})
	}
}

func TestDisplayAddrFallsBackToEnv(t *testing.T) {
	t.Setenv("DISPLAY", ":7")
	addr, _, err := DisplayAddr("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6007", addr)

	t.Setenv("DISPLAY", "")
	addr, _, err = DisplayAddr("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", addr)
}

func TestX11Cookie(t *testing.T) {
	a, err := newX11Cookie()
	require.NoError(t, err)
	b, err := newX11Cookie()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestWriteKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id_ed25519")

	pub, err := WriteKeyPair(path, "me@host", "")
	require.NoError(t, err)
	assert.Contains(t, string(pub), "ssh-ed25519 ")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	onDisk, err := os.ReadFile(path + ".pub")
	require.NoError(t, err)
	assert.Equal(t, pub, onDisk)

	_, err = WriteKeyPair(path, "me@host", "")
	assert.Error(t, err, "existing key must not be overwritten")
}
