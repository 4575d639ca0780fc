package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Auth methods accepted in a session profile.
const (
	AuthPassword  = "password"
	AuthPublicKey = "publickey"
)

// Config holds all kksh settings.
type Config struct {
	LogLevel   string          `yaml:"log_level"`
	KnownHosts string          `yaml:"known_hosts"`
	Terminal   TerminalConfig  `yaml:"terminal"`
	Transport  TransportConfig `yaml:"transport"`
	X11        X11Config       `yaml:"x11"`
	API        APIConfig       `yaml:"api"`
	Sessions   []Session       `yaml:"sessions"`
}

// TerminalConfig is the pseudo-terminal requested for the shell channel.
type TerminalConfig struct {
	Term string `yaml:"term"`
	Cols int    `yaml:"cols"`
	Rows int    `yaml:"rows"`
}

// TransportConfig tunes the connection to the SSH server.
type TransportConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Keepalive   time.Duration `yaml:"keepalive"`
	ReadBuffer  int           `yaml:"read_buffer"`
	WriteBuffer int           `yaml:"write_buffer"`
}

// X11Config controls graphical forwarding.
type X11Config struct {
	Enabled bool `yaml:"enabled"`
	// Display is a $DISPLAY-style value such as ":0" or "localhost:10.0".
	// Empty means use $DISPLAY, then ":0".
	Display string `yaml:"display"`
}

// APIConfig holds settings used by `kksh serve`.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Session is a saved connection profile.
type Session struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Group          string `yaml:"group,omitempty"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	AuthMethod     string `yaml:"auth_method"`
	Password       string `yaml:"password,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
	PublicKeyPath  string `yaml:"public_key_path,omitempty"`
	Passphrase     string `yaml:"passphrase,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Terminal: TerminalConfig{
			Term: "xterm-256color",
			Cols: 80,
			Rows: 24,
		},
		Transport: TransportConfig{
			Timeout:     30 * time.Second,
			Keepalive:   30 * time.Second,
			ReadBuffer:  64 * 1024,
			WriteBuffer: 64 * 1024,
		},
		X11: X11Config{
			Enabled: true,
		},
		API: APIConfig{
			Listen: "127.0.0.1:50061",
		},
	}
}

// Dir returns the per-user config directory, usually ~/.config/kksh.
//
// Override with KKSH_CONFIG_DIR environment variable.
func Dir() string {
	if d := os.Getenv("KKSH_CONFIG_DIR"); d != "" {
		return d
	}
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "kksh")
	}
	return ".kksh"
}

// FilePath returns the full path to the config file.
func FilePath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// KnownHostsPath returns the trust store location, honouring known_hosts
// from the config when set.
func (c *Config) KnownHostsPath() string {
	if c.KnownHosts != "" {
		return expandHome(c.KnownHosts)
	}
	return filepath.Join(Dir(), "known_hosts")
}

// Load reads the YAML config file. If the file does not exist, it returns
// the default configuration.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(FilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for i := range cfg.Sessions {
		s := &cfg.Sessions[i]
		s.normalize()
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	return cfg, nil
}

// Save writes the configuration to the YAML file.
func Save(cfg *Config) error {
	if err := os.MkdirAll(Dir(), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Profiles may carry passwords.
	if err := os.WriteFile(FilePath(), data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// FindSession looks a profile up by id or, failing that, by name.
func (c *Config) FindSession(ref string) (*Session, bool) {
	for i := range c.Sessions {
		if c.Sessions[i].ID == ref {
			return &c.Sessions[i], true
		}
	}
	for i := range c.Sessions {
		if c.Sessions[i].Name == ref {
			return &c.Sessions[i], true
		}
	}
	return nil, false
}

// AddSession appends s, assigning an id and defaults where missing.
func (c *Config) AddSession(s Session) *Session {
	s.normalize()
	c.Sessions = append(c.Sessions, s)
	return &c.Sessions[len(c.Sessions)-1]
}

func (s *Session) normalize() {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Port == 0 {
		s.Port = 22
	}
	if s.AuthMethod == "" {
		if s.PrivateKeyPath != "" {
			s.AuthMethod = AuthPublicKey
		} else {
			s.AuthMethod = AuthPassword
		}
	}
	s.PrivateKeyPath = expandHome(s.PrivateKeyPath)
	s.PublicKeyPath = expandHome(s.PublicKeyPath)
}

// Validate reports a profile whose port is outside 1..65535.
func (s *Session) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("session %q: invalid port %d", s.Name, s.Port)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
