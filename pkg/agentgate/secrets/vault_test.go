package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return NewVault(filepath.Join(t.TempDir(), VaultFile))
}

func TestVaultCreateAndRoundTrip(t *testing.T) {
	v := newTestVault(t)

	if v.Exists() {
		t.Fatal("vault exists before create")
	}
	if err := v.Create("master"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !v.Exists() || !v.IsUnlocked() {
		t.Fatal("vault not usable after create")
	}

	if err := v.Set("OPENAI_API_KEY", "sk-secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := v.Get("OPENAI_API_KEY")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-secret" {
		t.Errorf("got %q", got)
	}
}

func TestVaultSecretsNotPlaintextOnDisk(t *testing.T) {
	v := newTestVault(t)
	_ = v.Create("master")
	_ = v.Set("OPENAI_API_KEY", "sk-very-secret-value")

	raw, err := os.ReadFile(v.Path())
	if err != nil {
		t.Fatalf("read vault file: %v", err)
	}
	if strings.Contains(string(raw), "sk-very-secret-value") {
		t.Error("secret stored in plaintext")
	}

	info, _ := os.Stat(v.Path())
	if info.Mode().Perm() != 0o600 {
		t.Errorf("vault file mode %o", info.Mode().Perm())
	}
}

func TestVaultUnlockAfterRestart(t *testing.T) {
	v := newTestVault(t)
	_ = v.Create("master")
	_ = v.Set("KEY", "value")

	// A fresh instance simulates a new process.
	fresh := NewVault(v.Path())
	if fresh.IsUnlocked() {
		t.Fatal("fresh vault claims to be unlocked")
	}
	if err := fresh.Unlock("master"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := fresh.Get("KEY")
	if err != nil || got != "value" {
		t.Errorf("get after unlock: %q, %v", got, err)
	}
}

func TestVaultWrongPassword(t *testing.T) {
	v := newTestVault(t)
	_ = v.Create("master")

	fresh := NewVault(v.Path())
	err := fresh.Unlock("not-the-password")
	if err == nil || !strings.Contains(err.Error(), "wrong password") {
		t.Errorf("expected wrong-password error, got %v", err)
	}
	if fresh.IsUnlocked() {
		t.Error("vault unlocked with the wrong password")
	}
}

func TestVaultLockedOperationsFail(t *testing.T) {
	v := newTestVault(t)
	_ = v.Create("master")
	v.Lock()

	if err := v.Set("KEY", "value"); err == nil {
		t.Error("set succeeded while locked")
	}
	if _, err := v.Get("KEY"); err == nil {
		t.Error("get succeeded while locked")
	}
	if err := v.Delete("KEY"); err == nil {
		t.Error("delete succeeded while locked")
	}
	if keys := v.Keys(); keys != nil {
		t.Errorf("keys while locked: %v", keys)
	}
}

func TestVaultMissingEntryIsNotAnError(t *testing.T) {
	v := newTestVault(t)
	_ = v.Create("master")

	got, err := v.Get("NEVER_SET")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "" {
		t.Errorf("got %q for a missing entry", got)
	}
}

func TestVaultDeleteAndKeys(t *testing.T) {
	v := newTestVault(t)
	_ = v.Create("master")
	_ = v.Set("A", "1")
	_ = v.Set("B", "2")

	keys := v.Keys()
	if len(keys) != 2 {
		t.Fatalf("keys %v", keys)
	}
	for _, k := range keys {
		if k == verifyEntry {
			t.Error("internal entry leaked into Keys")
		}
	}

	if err := v.Delete("A"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := v.Get("A"); got != "" {
		t.Errorf("deleted entry still readable: %q", got)
	}
	if keys := v.Keys(); len(keys) != 1 || keys[0] != "B" {
		t.Errorf("keys after delete: %v", keys)
	}
}

func TestVaultCreateRefusesOverwrite(t *testing.T) {
	v := newTestVault(t)
	_ = v.Create("master")

	if err := v.Create("other"); err == nil {
		t.Error("create overwrote an existing vault")
	}
}

func TestProviderKeyName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"openai", "OPENAI_API_KEY"},
		{"my-proxy", "MY_PROXY_API_KEY"},
		{"Azure OpenAI", "AZURE_OPENAI_API_KEY"},
	}
	for _, tt := range tests {
		if got := ProviderKeyName(tt.in); got != tt.want {
			t.Errorf("ProviderKeyName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolverPrefersVaultOverEnv(t *testing.T) {
	dir := t.TempDir()
	vaultPath := filepath.Join(dir, VaultFile)

	v := NewVault(vaultPath)
	if err := v.Create("master"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set("OPENAI_API_KEY", "sk-vault"); err != nil {
		t.Fatalf("set: %v", err)
	}

	t.Setenv(vaultPasswordEnv, "master")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	r := NewResolver(vaultPath, nil)
	if got := r.Resolve(ProviderKeyName("openai"), "sk-config"); got != "sk-vault" {
		t.Errorf("resolved %q, want the vault value", got)
	}
}

func TestResolverFallsThroughToEnvAndConfig(t *testing.T) {
	// No vault file at this path, keyring may be unavailable in CI.
	r := NewResolver(filepath.Join(t.TempDir(), VaultFile), nil)

	t.Setenv("MISSINGV_API_KEY", "sk-env")
	if got := r.Resolve("MISSINGV_API_KEY", "sk-config"); got != "sk-env" {
		t.Errorf("resolved %q, want the environment value", got)
	}

	os.Unsetenv("MISSINGV_API_KEY")
	if got := r.Resolve("MISSINGV_API_KEY", "sk-config"); got != "sk-config" {
		t.Errorf("resolved %q, want the config value", got)
	}
}
