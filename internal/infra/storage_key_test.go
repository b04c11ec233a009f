package infra

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

func TestKeyFile(t *testing.T) {
	t.Run("missing file is not found", func(t *testing.T) {
		_, err := NewKeyFile(t.TempDir()).LoadKey()
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("saved key is hex text readable by the owner only", func(t *testing.T) {
		f := NewKeyFile(filepath.Join(t.TempDir(), "nested"))
		key, err := GenerateKey()
		require.NoError(t, err)
		require.NoError(t, f.SaveKey(key))

		info, err := os.Stat(f.Path())
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		raw, err := os.ReadFile(f.Path())
		require.NoError(t, err)
		assert.Equal(t, hex.EncodeToString(key), strings.TrimSpace(string(raw)))

		loaded, err := f.LoadKey()
		require.NoError(t, err)
		assert.Equal(t, key, loaded)

		fromEnv, err := NewEnvKey(string(raw))
		require.NoError(t, err)
		assert.Equal(t, key, []byte(fromEnv), "key file text is a valid VR_STORAGE_KEY")
	})

	t.Run("corrupt file is an error, not a missing key", func(t *testing.T) {
		f := NewKeyFile(t.TempDir())
		require.NoError(t, os.WriteFile(f.Path(), []byte("garbage"), 0600))

		_, err := f.LoadKey()
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("wrong size is rejected", func(t *testing.T) {
		err := NewKeyFile(t.TempDir()).SaveKey([]byte("tooshort"))
		assert.ErrorContains(t, err, "invalid key size")
	})
}

func TestEnvKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	env, err := NewEnvKey(" " + hex.EncodeToString(key) + "\n")
	require.NoError(t, err)
	loaded, err := env.LoadKey()
	require.NoError(t, err)
	assert.Equal(t, key, loaded)
	assert.Error(t, env.SaveKey(key))

	for _, bad := range []string{"zz", "abcd", ""} {
		_, err := NewEnvKey(bad)
		assert.ErrorContains(t, err, "VR_STORAGE_KEY", bad)
	}
}

func TestGenerateKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		require.Len(t, key, storageKeySize)
		assert.False(t, seen[string(key)], "duplicate key generated")
		seen[string(key)] = true
	}
}

// failingKeySource fails every load with a fixed error.
type failingKeySource struct{ err error }

func (s failingKeySource) LoadKey() ([]byte, error) { return nil, s.err }
func (s failingKeySource) SaveKey([]byte) error { return errors.New("unexpected save") }

func TestLoadOrCreateKey(t *testing.T) {
	t.Run("first start creates a key", func(t *testing.T) {
		f := NewKeyFile(t.TempDir())

		key, created, err := LoadOrCreateKey(f)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Len(t, key, storageKeySize)

		again, created, err := LoadOrCreateKey(f)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, key, again)
	})

	t.Run("unreadable key is never replaced", func(t *testing.T) {
		_, _, err := LoadOrCreateKey(failingKeySource{err: errors.New("permission denied")})
		assert.ErrorContains(t, err, "permission denied")
	})

	t.Run("environment key cannot be regenerated", func(t *testing.T) {
		key, err := GenerateKey()
		require.NoError(t, err)
		got, created, err := LoadOrCreateKey(EnvKey(key))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, key, got)
	})
}
