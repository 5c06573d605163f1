package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XaF/omnienv/pkg/errors"
	"github.com/XaF/omnienv/pkg/paths"
)

func testPaths(t *testing.T) *paths.Paths {
	t.Helper()
	t.Setenv(paths.EnvConfigDir, t.TempDir())
	t.Setenv(paths.EnvCacheDir, t.TempDir())
	t.Setenv(paths.EnvDataDir, t.TempDir())
	return paths.New()
}

func TestLoadDefaults(t *testing.T) {
	p := testPaths(t)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Cache.PoolSize)
	assert.Equal(t, p.CacheDBPath(), cfg.Cache.Path)
	assert.Equal(t, 90*time.Second, cfg.Command.IdleTimeout)
	assert.True(t, cfg.Command.Askpass)
	assert.Equal(t, 2160*time.Hour, cfg.Cache.RetentionFor("tool"))
	assert.Equal(t, 4320*time.Hour, cfg.Cache.RetentionFor("homebrew-tap"))
	assert.Equal(t, 24*time.Hour, cfg.Cache.VersionsTTLFor("cargo-install"))
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	p := testPaths(t)

	content := `
[cache]
pool_size = 2

[cache.retention]
default = "100h"

[command]
idle_timeout = "10s"
askpass = false
`
	require.NoError(t, os.WriteFile(filepath.Join(p.ConfigDir(), "config.toml"), []byte(content), 0644))

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Cache.PoolSize)
	assert.Equal(t, 100*time.Hour, cfg.Cache.RetentionFor("tool"))
	assert.Equal(t, 10*time.Second, cfg.Command.IdleTimeout)
	assert.False(t, cfg.Command.Askpass)
}

func TestLoadYAMLConfig(t *testing.T) {
	p := testPaths(t)

	content := "command:\n  idle_timeout: 42s\n"
	require.NoError(t, os.WriteFile(filepath.Join(p.ConfigDir(), "config.yaml"), []byte(content), 0644))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, cfg.Command.IdleTimeout)
}

func TestEnvironmentOverrides(t *testing.T) {
	p := testPaths(t)
	t.Setenv("OMNIENV_CACHE__POOL_SIZE", "3")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Cache.PoolSize)
}

func TestMalformedConfigFileIsAnError(t *testing.T) {
	p := testPaths(t)
	require.NoError(t, os.WriteFile(filepath.Join(p.ConfigDir(), "config.toml"), []byte("not [valid"), 0644))

	_, err := Load(p)
	require.Error(t, err)
	assert.Equal(t, errors.ErrConfigLoad, errors.CodeOf(err))
}

func TestOperationsPolicy(t *testing.T) {
	// Empty allow-list permits everything.
	open := Operations{}
	assert.True(t, open.IsAllowed("cache.cleanup"))
	assert.NoError(t, open.CheckAllowed("run"))

	restricted := Operations{Allowed: []string{"cache.list"}}
	assert.True(t, restricted.IsAllowed("cache.list"))
	assert.False(t, restricted.IsAllowed("cache.cleanup"))

	err := restricted.CheckAllowed("cache.cleanup")
	require.Error(t, err)
	assert.Equal(t, errors.ErrConfigPolicy, errors.CodeOf(err))
}

func TestRetentionFallback(t *testing.T) {
	cfg := CacheConfig{Retention: map[string]time.Duration{
		"default": 10 * time.Hour,
		"tool":    20 * time.Hour,
	}}

	assert.Equal(t, 20*time.Hour, cfg.RetentionFor("tool"))
	assert.Equal(t, 10*time.Hour, cfg.RetentionFor("go-install"))
}
