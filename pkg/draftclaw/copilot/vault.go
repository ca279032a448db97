// Package copilot – vault.go provides encrypted storage for integration
// credentials using AES-256-GCM with Argon2id key derivation. Secrets are
// stored in a local file (.draftclaw.vault) that is unreadable without the
// master password.
//
// Tools reference credentials by name: run_tool forwards them to the backend
// as run credentials, and call_endpoint substitutes <<name>> placeholders
// right before the request is sent. Secret values never enter the transcript.
package copilot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

const (
	// VaultFile is the default vault file name.
	VaultFile = ".draftclaw.vault"

	// Argon2id parameters (OWASP recommended).
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen = 16

	verifyEntry = "__verify__"
)

// ErrVaultLocked is returned by operations that need the derived key.
var ErrVaultLocked = errors.New("vault is locked")

// VaultEntry holds one encrypted secret.
type VaultEntry struct {
	Nonce      string `json:"nonce"`      // base64-encoded AES-GCM nonce
	Ciphertext string `json:"ciphertext"` // base64-encoded encrypted data
}

// VaultData is the on-disk format of the vault.
type VaultData struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"` // base64-encoded Argon2 salt
	Entries map[string]VaultEntry `json:"entries"`
}

// Vault provides encrypted secret storage backed by a local file.
type Vault struct {
	path       string
	data       *VaultData
	derivedKey []byte // only in memory while unlocked
	mu         sync.RWMutex
}

// NewVault creates a vault instance pointing to the given file path.
// The vault is not yet unlocked; call Unlock or Create first.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Exists returns true if the vault file exists on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Path returns the vault file path.
func (v *Vault) Path() string {
	return v.path
}

// IsUnlocked returns true if the vault has been unlocked with a password.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.derivedKey != nil
}

// Create initializes a new vault with the given master password.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}
	if password == "" {
		return fmt.Errorf("master password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.derivedKey = deriveKey(password, salt)
	v.data = &VaultData{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: make(map[string]VaultEntry),
	}
	ve, err := encryptEntry(v.derivedKey, []byte("draftclaw-vault-ok"))
	if err != nil {
		return fmt.Errorf("encrypting verification entry: %w", err)
	}
	v.data.Entries[verifyEntry] = ve

	return v.saveLocked()
}

// Unlock decrypts and loads the vault using the master password.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}

	var data VaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	if data.Entries == nil {
		data.Entries = make(map[string]VaultEntry)
	}

	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}

	key := deriveKey(password, salt)
	if verify, ok := data.Entries[verifyEntry]; ok {
		if _, err := decryptEntry(key, verify); err != nil {
			return fmt.Errorf("wrong password")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.derivedKey = key
	v.data = &data
	return nil
}

// Lock clears the derived key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.derivedKey {
		v.derivedKey[i] = 0
	}
	v.derivedKey = nil
}

// Set stores a credential. Names follow the placeholder syntax: letters,
// digits, '_', '-' and '.'.
func (v *Vault) Set(name, value string) error {
	if !validCredentialName(name) {
		return fmt.Errorf("invalid credential name %q", name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.derivedKey == nil {
		return ErrVaultLocked
	}

	entry, err := encryptEntry(v.derivedKey, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	return v.saveLocked()
}

// Get decrypts a credential. Missing names return "" and no error.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.derivedKey == nil {
		return "", ErrVaultLocked
	}

	entry, ok := v.data.Entries[name]
	if !ok || name == verifyEntry {
		return "", nil
	}
	plaintext, err := decryptEntry(v.derivedKey, entry)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes a credential.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.derivedKey == nil {
		return ErrVaultLocked
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// Keys returns the sorted credential names.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.derivedKey == nil {
		return nil, ErrVaultLocked
	}

	keys := make([]string, 0, len(v.data.Entries))
	for k := range v.data.Entries {
		if k != verifyEntry {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Credentials decrypts the named credentials. Unknown names are an error
// listing the stored names.
func (v *Vault) Credentials(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		val, err := v.Get(name)
		if err != nil {
			return nil, err
		}
		if val == "" {
			keys, _ := v.Keys()
			return nil, fmt.Errorf("credential %q is not in the vault (stored: %s)", name, strings.Join(keys, ", "))
		}
		out[name] = val
	}
	return out, nil
}

// ChangePassword re-encrypts all entries with a new master password.
func (v *Vault) ChangePassword(newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.derivedKey == nil {
		return ErrVaultLocked
	}

	decrypted := make(map[string][]byte, len(v.data.Entries))
	for name, entry := range v.data.Entries {
		plaintext, err := decryptEntry(v.derivedKey, entry)
		if err != nil {
			return fmt.Errorf("decrypting %s: %w", name, err)
		}
		decrypted[name] = plaintext
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	newKey := deriveKey(newPassword, salt)

	newEntries := make(map[string]VaultEntry, len(decrypted))
	for name, plaintext := range decrypted {
		entry, err := encryptEntry(newKey, plaintext)
		if err != nil {
			return fmt.Errorf("re-encrypting %s: %w", name, err)
		}
		newEntries[name] = entry
	}

	for i := range v.derivedKey {
		v.derivedKey[i] = 0
	}
	v.derivedKey = newKey
	v.data.Salt = base64.StdEncoding.EncodeToString(salt)
	v.data.Entries = newEntries
	return v.saveLocked()
}

// placeholderPattern matches <<name>> credential placeholders.
var placeholderPattern = regexp.MustCompile(`<<([A-Za-z0-9_.\-]+)>>`)

func validCredentialName(name string) bool {
	return name != "" && name != verifyEntry && placeholderPattern.MatchString("<<"+name+">>")
}

// CredentialPlaceholders returns the distinct names referenced as <<name>>
// in s, in order of appearance.
func CredentialPlaceholders(s string) []string {
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		names = append(names, m[1])
	}
	return dedupeStrings(names)
}

// SubstituteCredentials replaces <<name>> placeholders with vault values.
// A nil vault or an unknown name is an error.
func SubstituteCredentials(s string, vault *Vault) (string, error) {
	names := CredentialPlaceholders(s)
	if len(names) == 0 {
		return s, nil
	}
	if vault == nil || !vault.IsUnlocked() {
		return "", fmt.Errorf("credentials %s are referenced but the vault is not unlocked", strings.Join(names, ", "))
	}
	creds, err := vault.Credentials(names)
	if err != nil {
		return "", err
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		return creds[m[2:len(m)-2]]
	}), nil
}

// OpenVault unlocks the vault at path for the CLI. The password comes from
// DRAFTCLAW_VAULT_PASSWORD or, on a terminal, an interactive prompt. A
// missing vault returns nil without error.
func OpenVault(path string, logger *slog.Logger) (*Vault, error) {
	if path == "" {
		return nil, nil
	}
	vault := NewVault(path)
	if !vault.Exists() {
		return nil, nil
	}

	if envPass := os.Getenv("DRAFTCLAW_VAULT_PASSWORD"); envPass != "" {
		if err := vault.Unlock(envPass); err != nil {
			return nil, fmt.Errorf("unlock vault with DRAFTCLAW_VAULT_PASSWORD: %w", err)
		}
		logger.Info("vault unlocked via DRAFTCLAW_VAULT_PASSWORD")
		return vault, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("vault exists but skipping (non-interactive mode, no DRAFTCLAW_VAULT_PASSWORD)")
		return nil, nil
	}
	password, err := ReadPassword("Vault password: ")
	if err != nil {
		return nil, err
	}
	if err := vault.Unlock(password); err != nil {
		return nil, err
	}
	return vault, nil
}

// ---------- Internal ----------

// deriveKey uses Argon2id to derive a 32-byte AES key from a password and salt.
func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// encryptEntry encrypts plaintext using AES-256-GCM with a random nonce.
func encryptEntry(key, plaintext []byte) (VaultEntry, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return VaultEntry{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return VaultEntry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return VaultEntry{}, err
	}
	return VaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

// decryptEntry decrypts a VaultEntry using AES-256-GCM.
func decryptEntry(key []byte, entry VaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password?)")
	}
	return plaintext, nil
}

// saveLocked writes the vault to disk. Caller must hold v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}

// ReadPassword reads a password from the terminal without echoing.
// Falls back to regular stdin reading if terminal is not available.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		var buf [1024]byte
		n, readErr := os.Stdin.Read(buf[:])
		if readErr != nil {
			return "", fmt.Errorf("reading password: %w", readErr)
		}
		password = buf[:n]
	}
	fmt.Println()

	return strings.TrimRight(string(password), "\r\n"), nil
}
