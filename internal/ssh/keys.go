package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	xssh "golang.org/x/crypto/ssh"
)

// GenerateEd25519Keypair creates an ed25519 keypair and writes the private
// key to disk in OpenSSH PEM format without a passphrase. The authorized_keys
// form of the public key is returned.
func GenerateEd25519Keypair(privateKeyPath string) (publicAuthorized string, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	return string(xssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an
// ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// EnsureKeyPermissions verifies the private key is readable only by its
// owner. SSH rejects group/world-readable keys, and a misconfigured key
// would corrupt every subsequent remote call, so one chmod repair is
// attempted before giving up.
func EnsureKeyPermissions(privateKeyPath string) error {
	info, err := os.Stat(privateKeyPath)
	if err != nil {
		return fmt.Errorf("stat private key: %w", err)
	}
	if info.Mode().Perm()&0077 == 0 {
		return nil
	}
	if err := os.Chmod(privateKeyPath, 0600); err != nil {
		return fmt.Errorf("private key %s has mode %04o, want 0600, and repair failed: %w (run: chmod 600 %s)",
			privateKeyPath, info.Mode().Perm(), err, privateKeyPath)
	}
	info, err = os.Stat(privateKeyPath)
	if err != nil {
		return fmt.Errorf("stat private key after chmod: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("private key %s still has mode %04o, want 0600 (run: chmod 600 %s)",
			privateKeyPath, info.Mode().Perm(), privateKeyPath)
	}
	return nil
}
