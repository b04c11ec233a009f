package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
	"github.com/eliteGoblin/vrkiosk/internal/infra"
)

// ResolveDataDir expands ~ and creates the data directory with owner-only access.
func ResolveDataDir(dir string) (string, error) {
	expanded := infra.NewFileSystemManager().ExpandHome(dir)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return "", fmt.Errorf("failed to create data dir %s: %w", abs, err)
	}
	return abs, nil
}

// KeySourceFor returns the key from VR_STORAGE_KEY when set, otherwise the
// key file in dataDir.
func KeySourceFor(dataDir, hexKey string) (domain.StorageKeySource, error) {
	if hexKey != "" {
		key, err := infra.NewEnvKey(hexKey)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	return infra.NewKeyFile(dataDir), nil
}

// OpenStore opens the encrypted kiosk database, generating a key file on first use.
func OpenStore(dataDir, hexKey string) (*infra.EncryptedStore, error) {
	src, err := KeySourceFor(dataDir, hexKey)
	if err != nil {
		return nil, err
	}
	key, _, err := infra.LoadOrCreateKey(src)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage key: %w", err)
	}
	store, err := infra.NewEncryptedStore(dataDir, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}
