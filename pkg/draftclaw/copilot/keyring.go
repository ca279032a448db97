// Package copilot – keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving the LLM and backend API keys:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (DRAFTCLAW_API_KEY, OPENAI_API_KEY, etc.)
//  3. .env file (loaded by godotenv)
//  4. config.yaml value (least secure, plaintext on disk)
//
// Integration credentials used by tool runs live in the encrypted vault
// instead (see vault.go).
package copilot

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "draftclaw"

	// KeyringAPIKey is the key name for the LLM API key.
	KeyringAPIKey = "api_key"

	// KeyringBackendKey is the key name for the integration backend API key.
	KeyringBackendKey = "backend_api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
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

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__draftclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey returns the LLM API key: keyring, then DRAFTCLAW_API_KEY,
// then the provider's standard variable, then the configured value.
func ResolveAPIKey(configured, provider string) string {
	if val := GetKeyring(KeyringAPIKey); val != "" {
		return val
	}
	for _, env := range []string{"DRAFTCLAW_API_KEY", GetProviderKeyName(provider), "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	if IsEnvReference(configured) {
		return ""
	}
	return configured
}

// ResolveBackendKey returns the backend API key: keyring, then
// DRAFTCLAW_BACKEND_API_KEY, then the configured value.
func ResolveBackendKey(configured string) string {
	if val := GetKeyring(KeyringBackendKey); val != "" {
		return val
	}
	if val := os.Getenv("DRAFTCLAW_BACKEND_API_KEY"); val != "" {
		return val
	}
	if IsEnvReference(configured) {
		return ""
	}
	return configured
}

// MigrateKeyToKeyring stores a key in the OS keyring.
func MigrateKeyToKeyring(name, value string, logger *slog.Logger) error {
	if err := StoreKeyring(name, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("key stored in OS keyring",
		"service", keyringService,
		"key", name,
		"hint", "You can now remove it from .env and config.yaml")
	return nil
}
