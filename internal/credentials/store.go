// Package credentials stages the app-center password for univention-app and
// keeps an optional encrypted copy of the admin credentials on disk.
// Stored credentials are encrypted at rest using AES-256-GCM with a key
// derived from the machine ID using Argon2id.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/manchtools/power-manage/ucs-apps/internal/secret"
)

const (
	// Argon2id parameters (RFC 9106 recommendations)
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen  = 32
	nonceLen = 12 // GCM standard nonce size

	credentialsFile = "credentials.enc"
	saltFile        = "salt"

	// Default data directory
	DefaultDataDir = "/var/lib/ucs-apps"
)

var defaultMachineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Credentials is the account univention-app actions run as.
type Credentials struct {
	Username string `json:"username"`
	Password []byte `json:"password"`
}

// Store manages encrypted credential storage.
type Store struct {
	dataDir        string
	machineIDPaths []string
}

// NewStore creates a new credential store.
func NewStore(dataDir string) *Store {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	return &Store{dataDir: dataDir, machineIDPaths: defaultMachineIDPaths}
}

// Exists checks if credentials exist.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dataDir, credentialsFile))
	return err == nil
}

// Save encrypts and saves the credentials. The password is read from pw.
func (s *Store) Save(username string, pw *secret.Buffer) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if pw == nil || pw.Len() == 0 {
		return fmt.Errorf("password is required")
	}

	// Ensure data directory exists with secure permissions
	if err := os.MkdirAll(s.dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return fmt.Errorf("load/create salt: %w", err)
	}

	key, err := s.deriveKey(salt)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	defer secret.Zero(key)

	plaintext, err := json.Marshal(Credentials{Username: username, Password: pw.Bytes()})
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	defer secret.Zero(plaintext)

	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	// Write encrypted credentials with secure permissions
	credPath := filepath.Join(s.dataDir, credentialsFile)
	if err := os.WriteFile(credPath, ciphertext, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	return nil
}

// Load decrypts the stored credentials. The returned password buffer must be
// closed by the caller.
func (s *Store) Load() (string, *secret.Buffer, error) {
	salt, err := os.ReadFile(filepath.Join(s.dataDir, saltFile))
	if err != nil {
		return "", nil, fmt.Errorf("read salt: %w", err)
	}

	key, err := s.deriveKey(salt)
	if err != nil {
		return "", nil, fmt.Errorf("derive key: %w", err)
	}
	defer secret.Zero(key)

	ciphertext, err := os.ReadFile(filepath.Join(s.dataDir, credentialsFile))
	if err != nil {
		return "", nil, fmt.Errorf("read credentials: %w", err)
	}

	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		return "", nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	defer secret.Zero(plaintext)

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return "", nil, fmt.Errorf("unmarshal credentials: %w", err)
	}

	pw, err := secret.NewFromBytes(creds.Password)
	if err != nil {
		return "", nil, fmt.Errorf("stored password: %w", err)
	}
	return creds.Username, pw, nil
}

// Delete removes stored credentials.
func (s *Store) Delete() error {
	credPath := filepath.Join(s.dataDir, credentialsFile)
	saltPath := filepath.Join(s.dataDir, saltFile)

	var errs []error
	for _, p := range []string{credPath, saltPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DataDir returns the data directory path.
func (s *Store) DataDir() string {
	return s.dataDir
}

// loadOrCreateSalt loads existing salt or creates a new one.
func (s *Store) loadOrCreateSalt() ([]byte, error) {
	saltPath := filepath.Join(s.dataDir, saltFile)

	salt, err := os.ReadFile(saltPath)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	if err := os.WriteFile(saltPath, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}

	return salt, nil
}

// deriveKey derives an encryption key from the machine ID and salt.
func (s *Store) deriveKey(salt []byte) ([]byte, error) {
	machineID, err := s.machineID()
	if err != nil {
		return nil, fmt.Errorf("get machine ID: %w", err)
	}

	return argon2.IDKey(machineID, salt, argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

func (s *Store) machineID() ([]byte, error) {
	for _, p := range s.machineIDPaths {
		id, err := os.ReadFile(p)
		if err == nil && len(id) > 0 {
			return id, nil
		}
	}
	return nil, errors.New("machine ID not found")
}

// encrypt encrypts plaintext using AES-256-GCM.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// Prepend nonce to ciphertext
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts ciphertext using AES-256-GCM.
func decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, errors.New("ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:nonceLen]
	return gcm.Open(nil, nonce, ciphertext[nonceLen:], nil)
}
