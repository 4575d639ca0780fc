package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkshell/kksh/internal/config"
	"github.com/kkshell/kksh/internal/ssh"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		user string
		host string
		port uint16
		err  bool
	}{
		{in: "box", host: "box"},
		{in: "bob@box", user: "bob", host: "box"},
		{in: "bob@box:2222", user: "bob", host: "box", port: 2222},
		{in: "me@corp@box", user: "me@corp", host: "box"},
		{in: "[::1]:22", host: "::1", port: 22},
		{in: "[fe80::1]", host: "fe80::1"},
		{in: "fe80::1", host: "fe80::1"},
		{in: "box:0", err: true},
		{in: "box:ssh", err: true},
		{in: "bob@", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, host, port, err := parseTarget(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, u)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestResolveTargetPrefersProfile(t *testing.T) {
	cfg := config.Default()
	cfg.AddSession(config.Session{Name: "lab", Host: "10.0.0.5", Username: "ops", Password: "pw"})

	ep, creds, err := resolveTarget(cfg, "lab")
	require.NoError(t, err)
	assert.Equal(t, ssh.Endpoint{Host: "10.0.0.5", Port: 22}, ep)
	assert.Equal(t, ssh.Credentials{User: "ops", Password: "pw"}, creds)

	ep, creds, err = resolveTarget(cfg, "root@lab:2200")
	require.NoError(t, err)
	assert.Equal(t, ssh.Endpoint{Host: "lab", Port: 2200}, ep)
	assert.Equal(t, "root", creds.User)
}
