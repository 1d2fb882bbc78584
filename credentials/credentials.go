// Package credentials stores database passwords for trackctl in
// ~/.trackable/credentials.yaml, encrypted at rest.
//
// The encryption key lives in the system keyring:
// - macOS: Keychain
// - Windows: Credential Manager
// - Linux: Secret Service (libsecret)
//
// Headless hosts can set TRACKABLE_ENCRYPTION_KEY to a 64-character hex string
// (32 bytes), or TRACKABLE_PASSPHRASE to derive the key with Argon2id.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/trackable/config"
	"github.com/otherjamesbrown/trackable/pkg/db"
)

// DefaultCredentialsFile is the file name inside the config directory.
const DefaultCredentialsFile = "credentials.yaml"

// Common errors.
var (
	// ErrNoCredentials is returned when no password is stored for an account.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrEncryptionFailed is returned when encryption/decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// Entry is one stored password.
type Entry struct {
	// Password is AES-GCM encrypted and base64 encoded on disk.
	Password  string    `yaml:"password"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type file struct {
	Accounts map[string]Entry `yaml:"accounts"`
}

// Store manages the credentials file.
type Store struct {
	dir           string
	encryptionKey []byte
	keyProvider   KeyProvider
}

// NewStore opens the store in the config directory using the default key provider.
func NewStore() (*Store, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}
	provider, err := DefaultKeyProvider(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreWithKeyProvider(dir, provider)
}

// NewStoreWithKeyProvider opens the store in dir with a custom key provider.
func NewStoreWithKeyProvider(dir string, provider KeyProvider) (*Store, error) {
	key, err := provider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{dir: dir, encryptionKey: key, keyProvider: provider}, nil
}

// FileExists reports whether a credentials file exists in the config directory.
// It does not touch the keyring.
func FileExists() bool {
	dir, err := config.ConfigDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, DefaultCredentialsFile))
	return err == nil
}

// Path returns the credentials file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, DefaultCredentialsFile)
}

// Description names where the encryption key is kept.
func (s *Store) Description() string {
	return s.keyProvider.Description()
}

// Account identifies the database a password belongs to: user@host:port/name.
func Account(cfg *db.Config) string {
	return cfg.User + "@" + cfg.Host + ":" + strconv.Itoa(cfg.Port) + "/" + cfg.Database
}

// Save stores password for account, replacing any earlier one.
func (s *Store) Save(account, password string) error {
	f, err := s.read()
	if err != nil {
		return err
	}
	encrypted, err := s.encrypt(password)
	if err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}
	f.Accounts[account] = Entry{Password: encrypted, UpdatedAt: time.Now().UTC()}
	return s.write(f)
}

// Lookup returns the stored password for account.
func (s *Store) Lookup(account string) (string, error) {
	f, err := s.read()
	if err != nil {
		return "", err
	}
	e, ok := f.Accounts[account]
	if !ok {
		return "", ErrNoCredentials
	}
	password, err := s.decrypt(e.Password)
	if err != nil {
		return "", fmt.Errorf("decrypting password for %s: %w", account, err)
	}
	return password, nil
}

// Delete removes the password for account. Deleting a missing account is not an error.
func (s *Store) Delete(account string) error {
	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f.Accounts[account]; !ok {
		return nil
	}
	delete(f.Accounts, account)
	if len(f.Accounts) == 0 {
		if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing credentials file: %w", err)
		}
		return nil
	}
	return s.write(f)
}

// Accounts lists the stored accounts, sorted.
func (s *Store) Accounts() ([]string, error) {
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(f.Accounts))
	for a := range f.Accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// ApplyTo fills cfg.Password from the store when it is empty.
// It reports whether a stored password was used.
func (s *Store) ApplyTo(cfg *db.Config) (bool, error) {
	if cfg.Password != "" || cfg.DSN != "" {
		return false, nil
	}
	password, err := s.Lookup(Account(cfg))
	if errors.Is(err, ErrNoCredentials) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cfg.Password = password
	return true, nil
}

func (s *Store) read() (*file, error) {
	f := &file{Accounts: map[string]Entry{}}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if f.Accounts == nil {
		f.Accounts = map[string]Entry{}
	}
	return f, nil
}

func (s *Store) write(f *file) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	// Write with restrictive permissions
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// encrypt encrypts a string using AES-GCM.
func (s *Store) encrypt(plaintext string) (string, error) {
	gcm, err := newGCM(s.encryptionKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts an AES-GCM encrypted string.
func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}
	gcm, err := newGCM(s.encryptionKey)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

// Mask returns a masked secret for display.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}
