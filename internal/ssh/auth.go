package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	gossh "golang.org/x/crypto/ssh"
)

// authMethods builds the ordered method list for creds without touching the
// network: public key (when the key file exists) then password and
// keyboard-interactive answered with the same password.
//
// A missing key file falls through to the password. A key file that exists
// but cannot be used (encrypted without a passphrase, wrong passphrase,
// corrupt, mismatched public key) is an AuthFailed error of its own: that is
// a configuration problem a silent password fallback would hide.
func (c *Client) authMethods(ep Endpoint, creds Credentials) ([]gossh.AuthMethod, error) {
	var methods []gossh.AuthMethod

	if k := creds.Key; k != nil && k.PrivateKeyPath != "" {
		signer, err := loadSigner(k)
		switch {
		case errors.Is(err, os.ErrNotExist):
			c.log.Debug("private key not found, skipping public key auth", "path", k.PrivateKeyPath)
		case err != nil:
			return nil, &Error{Kind: AuthFailed, Endpoint: ep, User: creds.User, Detail: "loading private key", Err: err}
		default:
			methods = append(methods, gossh.PublicKeys(signer))
		}
	}

	if pw := creds.Password; pw != "" {
		methods = append(methods,
			gossh.Password(pw),
			gossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, &Error{Kind: AuthFailed, Endpoint: ep, User: creds.User, Detail: "no usable credentials"}
	}
	return methods, nil
}

func loadSigner(k *KeyCredential) (gossh.Signer, error) {
	data, err := os.ReadFile(k.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	signer, err := gossh.ParsePrivateKey(data)
	var missing *gossh.PassphraseMissingError
	if errors.As(err, &missing) {
		if k.Passphrase == "" {
			return nil, fmt.Errorf("%s is encrypted and no passphrase was given", k.PrivateKeyPath)
		}
		signer, err = gossh.ParsePrivateKeyWithPassphrase(data, []byte(k.Passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", k.PrivateKeyPath, err)
	}

	if k.PublicKeyPath == "" {
		return signer, nil
	}
	pubData, err := os.ReadFile(k.PublicKeyPath)
	if errors.Is(err, os.ErrNotExist) {
		return signer, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", k.PublicKeyPath, err)
	}
	pub, _, _, _, err := gossh.ParseAuthorizedKey(pubData)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", k.PublicKeyPath, err)
	}

	if cert, ok := pub.(*gossh.Certificate); ok {
		cs, err := gossh.NewCertSigner(cert, signer)
		if err != nil {
			return nil, fmt.Errorf("using certificate %s: %w", k.PublicKeyPath, err)
		}
		return cs, nil
	}
	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		return nil, fmt.Errorf("%s does not match %s", k.PublicKeyPath, k.PrivateKeyPath)
	}
	return signer, nil
}
