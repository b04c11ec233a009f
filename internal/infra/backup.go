package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	backupPrefix       = "kiosk-"
	backupExt          = ".db"
	backupManifestExt  = ".json"
	backupTimeLayout   = "20060102-150405"
	defaultBackupsKept = 7
)

// BackupManifest describes one storage backup.
type BackupManifest struct {
	Source    string    `json:"source"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// StorageBackup copies the encrypted database into a backup directory.
// The copy stays encrypted; restoring it needs the same storage key.
type StorageBackup struct {
	dbPath    string
	backupDir string
	keep      int
	logger    *zap.Logger
	now       func() time.Time
}

// NewStorageBackup creates a backup manager for the database at dbPath.
func NewStorageBackup(dbPath, backupDir string, logger *zap.Logger) *StorageBackup {
	return &StorageBackup{
		dbPath:    dbPath,
		backupDir: backupDir,
		keep:      defaultBackupsKept,
		logger:    logger,
		now:       time.Now,
	}
}

// Create writes a timestamped copy and its manifest, then prunes old backups.
func (b *StorageBackup) Create() (*BackupManifest, error) {
	if err := os.MkdirAll(b.backupDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	created := b.now()
	dst := filepath.Join(b.backupDir, backupPrefix+created.Format(backupTimeLayout)+backupExt)
	if err := copyFile(b.dbPath, dst); err != nil {
		return nil, fmt.Errorf("failed to copy database: %w", err)
	}

	sha, err := computeSHA256(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to compute SHA256: %w", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return nil, err
	}

	manifest := &BackupManifest{
		Source:    b.dbPath,
		Path:      dst,
		SHA256:    sha,
		SizeBytes: info.Size(),
		CreatedAt: created,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := AtomicWriteFile(manifestPath(dst), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	b.logger.Info("storage backup created",
		zap.String("path", dst),
		zap.String("sha256", sha),
		zap.Int64("size", info.Size()))

	if err := b.prune(); err != nil {
		b.logger.Warn("failed to prune old backups", zap.Error(err))
	}
	return manifest, nil
}

// Verify checks a backup against its manifest checksum.
func (b *StorageBackup) Verify(backupPath string) error {
	data, err := os.ReadFile(manifestPath(backupPath))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	sha, err := computeSHA256(backupPath)
	if err != nil {
		return err
	}
	if sha != manifest.SHA256 {
		return fmt.Errorf("checksum mismatch: got %s, want %s", sha, manifest.SHA256)
	}
	return nil
}

// List returns backup file paths, oldest first.
func (b *StorageBackup) List() ([]string, error) {
	entries, err := os.ReadDir(b.backupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, backupPrefix) && strings.HasSuffix(name, backupExt) {
			paths = append(paths, filepath.Join(b.backupDir, name))
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(paths)
	return paths, nil
}

func (b *StorageBackup) prune() error {
	paths, err := b.List()
	if err != nil {
		return err
	}
	for len(paths) > b.keep {
		old := paths[0]
		paths = paths[1:]
		if err := os.Remove(old); err != nil {
			return err
		}
		_ = os.Remove(manifestPath(old))
		b.logger.Debug("pruned backup", zap.String("path", old))
	}
	return nil
}

func manifestPath(backupPath string) string {
	return strings.TrimSuffix(backupPath, backupExt) + backupManifestExt
}

// computeSHA256 calculates SHA256 hash of a file
func computeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies a file from src to dst using atomic write pattern.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	return atomicWrite(dst, 0600, func(w io.Writer) error {
		_, err := io.Copy(w, sourceFile)
		return err
	})
}

// AtomicWriteFile writes data to path via a synced temp file and rename.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return atomicWrite(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func atomicWrite(path string, perm os.FileMode, write func(io.Writer) error) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".vrkiosk-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmpFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	success = true
	return nil
}
