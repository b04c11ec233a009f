package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBackup(t *testing.T) (*StorageBackup, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, storeDBName)
	require.NoError(t, os.WriteFile(dbPath, []byte("encrypted pages"), 0600))
	return NewStorageBackup(dbPath, filepath.Join(dir, "backups"), zap.NewNop()), dbPath
}

func TestStorageBackup_CreateAndVerify(t *testing.T) {
	b, dbPath := newTestBackup(t)
	b.now = func() time.Time { return time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC) }

	manifest, err := b.Create()
	require.NoError(t, err)
	assert.Equal(t, dbPath, manifest.Source)
	assert.Equal(t, "kiosk-20260301-140000.db", filepath.Base(manifest.Path))
	assert.Equal(t, int64(len("encrypted pages")), manifest.SizeBytes)
	assert.Len(t, manifest.SHA256, 64)

	info, err := os.Stat(manifest.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, b.Verify(manifest.Path))

	t.Run("tampered copy fails verification", func(t *testing.T) {
		require.NoError(t, os.WriteFile(manifest.Path, []byte("tampered"), 0600))
		err := b.Verify(manifest.Path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum mismatch")
	})
}

func TestStorageBackup_PrunesOldest(t *testing.T) {
	b, _ := newTestBackup(t)
	b.keep = 2
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		created := base.Add(time.Duration(i) * time.Hour)
		b.now = func() time.Time { return created }
		_, err := b.Create()
		require.NoError(t, err)
	}

	paths, err := b.List()
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "kiosk-20260301-020000.db", filepath.Base(paths[0]))
	assert.Equal(t, "kiosk-20260301-030000.db", filepath.Base(paths[1]))

	_, err = os.Stat(filepath.Join(b.backupDir, "kiosk-20260301-000000.json"))
	assert.True(t, os.IsNotExist(err), "manifest of pruned backup is removed")
}

func TestStorageBackup_ListMissingDir(t *testing.T) {
	b := NewStorageBackup("unused", filepath.Join(t.TempDir(), "none"), zap.NewNop())
	paths, err := b.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestStorageBackup_MissingDatabase(t *testing.T) {
	dir := t.TempDir()
	b := NewStorageBackup(filepath.Join(dir, "absent.db"), filepath.Join(dir, "backups"), zap.NewNop())
	_, err := b.Create()
	assert.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left behind")
}

func TestAtomicWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.json")
	require.NoError(t, AtomicWriteFile(path, []byte(`{"games":[]}`), 0644))
	require.NoError(t, AtomicWriteFile(path, []byte(`{"games":[1]}`), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"games":[1]}`, string(data))
}
