package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

const (
	storageKeyFile = "storage.key"
	storageKeySize = 32 // SQLCipher raw key
)

// KeyFile is the storage key kept in the data directory as hex text.
// It uses the same encoding as VR_STORAGE_KEY so a kiosk's key can be moved
// into the environment when the machine is re-imaged.
type KeyFile struct {
	path string
}

func NewKeyFile(dataDir string) *KeyFile {
	return &KeyFile{path: filepath.Join(dataDir, storageKeyFile)}
}

// Path returns the key file location.
func (f *KeyFile) Path() string { return f.path }

func (f *KeyFile) LoadKey() ([]byte, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("storage key %s: %w", f.path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storage key: %w", err)
	}
	key, err := ParseStorageKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return key, nil
}

// SaveKey writes the key readable by the kiosk user only.
func (f *KeyFile) SaveKey(key []byte) error {
	if len(key) != storageKeySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), storageKeySize)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	return AtomicWriteFile(f.path, []byte(hex.EncodeToString(key)+"\n"), 0600)
}

// EnvKey is a storage key provisioned through VR_STORAGE_KEY.
type EnvKey []byte

func NewEnvKey(text string) (EnvKey, error) {
	key, err := ParseStorageKey(text)
	if err != nil {
		return nil, fmt.Errorf("VR_STORAGE_KEY: %w", err)
	}
	return EnvKey(key), nil
}

func (k EnvKey) LoadKey() ([]byte, error) { return []byte(k), nil }

func (k EnvKey) SaveKey([]byte) error {
	return errors.New("storage key is set by VR_STORAGE_KEY and cannot be replaced")
}

// ParseStorageKey decodes a 64-character hex key.
func ParseStorageKey(text string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("storage key is not hex: %w", err)
	}
	if len(key) != storageKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), storageKeySize)
	}
	return key, nil
}

func GenerateKey() ([]byte, error) {
	key := make([]byte, storageKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate storage key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey returns the provisioned key, generating and saving one on
// a kiosk's first start. created reports whether a new key was saved.
func LoadOrCreateKey(src domain.StorageKeySource) (key []byte, created bool, err error) {
	key, err = src.LoadKey()
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	if key, err = GenerateKey(); err != nil {
		return nil, false, err
	}
	if err := src.SaveKey(key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

var (
	_ domain.StorageKeySource = (*KeyFile)(nil)
	_ domain.StorageKeySource = EnvKey(nil)
)
