package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironmentOverrides(t *testing.T) {
	cacheDir := t.TempDir()
	dataDir := t.TempDir()
	configDir := t.TempDir()
	t.Setenv(EnvCacheDir, cacheDir)
	t.Setenv(EnvDataDir, dataDir)
	t.Setenv(EnvConfigDir, configDir)

	p := New()
	assert.Equal(t, cacheDir, p.CacheDir())
	assert.Equal(t, dataDir, p.DataDir())
	assert.Equal(t, configDir, p.ConfigDir())
	assert.Equal(t, filepath.Join(cacheDir, CacheDBFile), p.CacheDBPath())
	assert.Equal(t, filepath.Join(cacheDir, LegacyCacheDirName), p.LegacyCacheDir())
}

func TestXDGFallback(t *testing.T) {
	t.Setenv(EnvCacheDir, "")
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvConfigDir, "")

	p := New()
	assert.Contains(t, p.CacheDir(), AppDirName)
	assert.Contains(t, p.DataDir(), AppDirName)
	assert.Contains(t, p.ConfigDir(), AppDirName)
}

func TestEnsureCacheDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv(EnvCacheDir, filepath.Join(base, "nested", "cache"))

	p := New()
	require.NoError(t, p.EnsureCacheDir())

	info, err := os.Stat(p.CacheDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPrivateTempDirIsOwnerOnly(t *testing.T) {
	dir, err := PrivateTempDir("omnienv-test-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
