// resolver.go resolves provider API keys through the priority chain:
//
//	1. Encrypted vault (.agentgate.vault, requires master password)
//	2. OS keyring (Linux Secret Service, macOS Keychain, Windows Credential Manager)
//	3. Environment variable
//	4. config.yaml value (plaintext on disk, least preferred)
package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "agentgate"

	// vaultPasswordEnv unlocks the vault non-interactively (systemd, Docker).
	vaultPasswordEnv = "AGENTGATE_VAULT_PASSWORD"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Missing keys return
// an empty string.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable probes the OS keyring with a write+delete cycle.
func KeyringAvailable() bool {
	testKey := "__agentgate_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// Resolver resolves named secrets against an optionally unlocked vault.
type Resolver struct {
	vault  *Vault
	logger *slog.Logger
}

// NewResolver opens the resolution chain. When a vault file exists it is
// unlocked via AGENTGATE_VAULT_PASSWORD or, on a TTY, an interactive prompt.
// A vault that cannot be unlocked is skipped, not fatal.
func NewResolver(vaultPath string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "secrets")

	r := &Resolver{logger: logger}

	vault := NewVault(vaultPath)
	if !vault.Exists() {
		return r
	}

	if pass := os.Getenv(vaultPasswordEnv); pass != "" {
		if err := vault.Unlock(pass); err != nil {
			logger.Warn("unlocking vault with "+vaultPasswordEnv, "err", err)
		}
	}
	if !vault.IsUnlocked() && term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := ReadPassword("Vault password: ")
		if err != nil {
			logger.Warn("reading vault password", "err", err)
		} else if err := vault.Unlock(password); err != nil {
			logger.Warn("unlocking vault", "err", err)
		}
	}

	if vault.IsUnlocked() {
		r.vault = vault
		logger.Info("vault unlocked", "path", vaultPath, "secrets", len(vault.Keys()))
	} else {
		logger.Info("vault exists but stayed locked, falling back to keyring/env/config")
	}
	return r
}

// Vault returns the unlocked vault, or nil when unavailable.
func (r *Resolver) Vault() *Vault { return r.vault }

// Resolve returns the value for a named secret, walking the chain. The
// configValue is the raw value from config.yaml and wins only when nothing
// more secure holds the key.
func (r *Resolver) Resolve(name, configValue string) string {
	if r.vault != nil {
		if val, err := r.vault.Get(name); err == nil && val != "" {
			r.logger.Debug("secret resolved from vault", "name", name)
			return val
		}
	}
	if val := GetKeyring(name); val != "" {
		r.logger.Debug("secret resolved from OS keyring", "name", name)
		return val
	}
	if val := os.Getenv(name); val != "" {
		r.logger.Debug("secret resolved from environment", "name", name)
		return val
	}
	return configValue
}

// ProviderKeyName derives the conventional env-style secret name for a
// provider, e.g. "openrouter" becomes OPENROUTER_API_KEY.
func ProviderKeyName(provider string) string {
	cleaned := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z':
			return c - 32
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		default:
			return '_'
		}
	}, provider)
	return fmt.Sprintf("%s_API_KEY", cleaned)
}
