package ssh

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	info, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected mode 0600, got %04o", info.Mode().Perm())
	}
	if len(pub) == 0 {
		t.Fatalf("expected public key string")
	}
	// The generated key must round-trip through the signer loader.
	if _, err := LoadPrivateKeySigner(priv); err != nil {
		t.Fatalf("load generated key: %v", err)
	}
}

func TestEnsureKeyPermissionsRepairs(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(key, []byte("dummy"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := EnsureKeyPermissions(key); err != nil {
		t.Fatalf("expected automatic repair, got %v", err)
	}
	info, err := os.Stat(key)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		t.Fatalf("key still group/world accessible: %04o", info.Mode().Perm())
	}
}

func TestEnsureKeyPermissionsAlreadyPrivate(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(key, []byte("dummy"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := EnsureKeyPermissions(key); err != nil {
		t.Fatalf("0600 key must pass: %v", err)
	}
}

func TestEnsureKeyPermissionsMissingKey(t *testing.T) {
	if err := EnsureKeyPermissions(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
