package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"dutctl/internal/resource"
)

// TestBuildAuthMethods_ExplicitKey verifies that a key file is loaded.
func TestBuildAuthMethods_ExplicitKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath)

	methods, err := buildAuthMethods(&NativeConfig{KeyFile: keyPath})
	if err != nil {
		t.Fatalf("buildAuthMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(methods))
	}
}

// TestBuildAuthMethods_KeyAndPassword verifies both credentials are
// offered, key first.
func TestBuildAuthMethods_KeyAndPassword(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath)

	cfg := &NativeConfig{
		KeyFile: keyPath,
		Service: resource.NetworkService{Password: "secret"},
	}
	methods, err := buildAuthMethods(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(methods) != 2 {
		t.Fatalf("got %d methods, want 2", len(methods))
	}
}

// TestBuildAuthMethods_Errors verifies a clear error for unusable
// credentials.
func TestBuildAuthMethods_Errors(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	garbage := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  *NativeConfig
	}{
		{"missing key", &NativeConfig{KeyFile: "/nonexistent/key"}},
		{"unparsable key", &NativeConfig{KeyFile: garbage}},
		{"agent without socket", &NativeConfig{UseAgent: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildAuthMethods(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// TestHostKeyCallback_Insecure verifies that InsecureIgnoreHostKey is used
// when StrictHostKey is false.
func TestHostKeyCallback_Insecure(t *testing.T) {
	cb, err := hostKeyCallback(&NativeConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if cb == nil {
		t.Fatal("callback should not be nil")
	}
}

// TestHostKeyCallback_Strict verifies known_hosts handling.
func TestHostKeyCallback_Strict(t *testing.T) {
	dir := t.TempDir()
	if _, err := hostKeyCallback(&NativeConfig{StrictHostKey: true, KnownHosts: filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for a missing known_hosts file")
	}

	kh := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(kh, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cb, err := hostKeyCallback(&NativeConfig{StrictHostKey: true, KnownHosts: kh})
	if err != nil {
		t.Fatal(err)
	}
	if cb == nil {
		t.Fatal("callback should not be nil")
	}
}

// ── helpers ──────────────────────────────────────────────────────────

// writeTestKey writes a fresh, unencrypted ed25519 key in OpenSSH format.
func writeTestKey(t *testing.T, path string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "dutctl-test")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
}
