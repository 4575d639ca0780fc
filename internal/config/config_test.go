package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("returns defaults when file does not exist", func(t *testing.T) {
		t.Setenv("KKSH_CONFIG_DIR", t.TempDir())

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "xterm-256color", cfg.Terminal.Term)
		assert.Equal(t, 80, cfg.Terminal.Cols)
		assert.Equal(t, 24, cfg.Terminal.Rows)
		assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
		assert.True(t, cfg.X11.Enabled)
		assert.Equal(t, filepath.Join(Dir(), "known_hosts"), cfg.KnownHostsPath())
	})

	t.Run("loads values from YAML file", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("KKSH_CONFIG_DIR", dir)

		yamlContent := `
log_level: debug
transport:
  timeout: 5s
x11:
  enabled: false
sessions:
  - name: box
    host: box.example
    username: alice
    private_key_path: /keys/id_ed25519
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlContent), 0600))

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 5*time.Second, cfg.Transport.Timeout)
		assert.Equal(t, 64*1024, cfg.Transport.ReadBuffer)
		assert.False(t, cfg.X11.Enabled)

		s, ok := cfg.FindSession("box")
		require.True(t, ok)
		assert.Equal(t, 22, s.Port)
		assert.Equal(t, AuthPublicKey, s.AuthMethod)
		assert.NotEmpty(t, s.ID)

		byID, ok := cfg.FindSession(s.ID)
		require.True(t, ok)
		assert.Equal(t, "box", byID.Name)
	})

	t.Run("rejects out-of-range profile port", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("KKSH_CONFIG_DIR", dir)
		yamlContent := `
sessions:
  - name: box
    host: box.example
    username: alice
    port: 65558
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlContent), 0600))

		_, err := Load()
		assert.ErrorContains(t, err, `session "box": invalid port 65558`)
	})

	t.Run("rejects malformed YAML", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("KKSH_CONFIG_DIR", dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("sessions: [\n"), 0600))

		_, err := Load()
		assert.ErrorContains(t, err, "parsing config")
	})
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("KKSH_CONFIG_DIR", filepath.Join(t.TempDir(), "kksh"))

	cfg := Default()
	added := cfg.AddSession(Session{Name: "db", Host: "db.example", Username: "root", Password: "pw"})
	require.NoError(t, Save(cfg))

	info, err := os.Stat(FilePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load()
	require.NoError(t, err)
	s, ok := loaded.FindSession(added.ID)
	require.True(t, ok)
	assert.Equal(t, AuthPassword, s.AuthMethod)
	assert.Equal(t, 22, s.Port)
	assert.Equal(t, 30*time.Second, loaded.Transport.Keepalive)
}

func TestKnownHostsOverride(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := Default()
	cfg.KnownHosts = "~/.ssh/known_hosts"
	assert.Equal(t, filepath.Join(home, ".ssh", "known_hosts"), cfg.KnownHostsPath())
}
