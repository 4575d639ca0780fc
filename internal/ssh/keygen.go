package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	gossh "golang.org/x/crypto/ssh"
)

// GenerateKeyPair creates a new ed25519 SSH key pair.
// Returns the private key in OpenSSH format, encrypted when passphrase is
// non-empty, and the public key in authorized_keys format.
func GenerateKeyPair(comment, passphrase string) (privateKeyPEM []byte, publicKeyAuthorized []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	var pemBlock *pem.Block
	if passphrase == "" {
		pemBlock, err = gossh.MarshalPrivateKey(privKey, comment)
	} else {
		pemBlock, err = gossh.MarshalPrivateKeyWithPassphrase(privKey, comment, []byte(passphrase))
	}
	if err != nil {
		return nil, nil, err
	}

	sshPub, err := gossh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return pem.EncodeToMemory(pemBlock), gossh.MarshalAuthorizedKey(sshPub), nil
}

// WriteKeyPair generates a key pair and writes it to path and path.pub.
// Existing files are not overwritten.
func WriteKeyPair(path, comment, passphrase string) (publicKeyAuthorized []byte, err error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s already exists", path)
	}

	priv, pub, err := GenerateKeyPair(comment, passphrase)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(path+".pub", pub, 0644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}
	return pub, nil
}
