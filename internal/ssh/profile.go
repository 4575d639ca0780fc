package ssh

import (
	"github.com/kkshell/kksh/internal/config"
)

// OptionsFromConfig maps the terminal, transport and x11 sections onto
// client options. Loop and HostKeys are left for the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Timeout:     cfg.Transport.Timeout,
		Keepalive:   cfg.Transport.Keepalive,
		Term:        cfg.Terminal.Term,
		Cols:        cfg.Terminal.Cols,
		Rows:        cfg.Terminal.Rows,
		ReadBuffer:  cfg.Transport.ReadBuffer,
		WriteBuffer: cfg.Transport.WriteBuffer,
	}
	if cfg.X11.Enabled {
		opts.X11.Enabled = true
		if addr, screen, err := DisplayAddr(cfg.X11.Display); err == nil {
			opts.X11.Addr, opts.X11.Screen = addr, screen
		}
	}
	return opts
}

// ProfileTarget turns a saved profile into an endpoint and credentials.
// A publickey profile keeps its password, if any, as the fallback.
func ProfileTarget(p *config.Session) (Endpoint, Credentials, error) {
	if err := p.Validate(); err != nil {
		return Endpoint{}, Credentials{}, err
	}
	ep := Endpoint{Host: p.Host, Port: uint16(p.Port)}
	creds := Credentials{User: p.Username, Password: p.Password}
	if p.AuthMethod == config.AuthPublicKey && p.PrivateKeyPath != "" {
		creds.Key = &KeyCredential{
			PrivateKeyPath: p.PrivateKeyPath,
			PublicKeyPath:  p.PublicKeyPath,
			Passphrase:     p.Passphrase,
		}
	}
	return ep, creds, nil
}
