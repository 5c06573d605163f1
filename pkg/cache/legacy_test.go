package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XaF/omnienv/pkg/errors"
)

func writeLegacyFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLegacyImportEndToEnd(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	writeLegacyFile(t, dir, legacyToolFile, `{
		"installed": [
			{"tool": "python", "version": "3.12.1", "required_by": ["workdir-one"], "last_required_at": "2026-01-02T03:04:05Z"},
			{"tool": "orphaned", "version": "0.1.0", "required_by": ["workdir-gone"], "last_required_at": "2026-01-02T03:04:05Z"}
		]
	}`)
	writeLegacyFile(t, dir, legacyHomebrewFile, `{
		"installed": [
			{"name": "jq", "version": "1.7", "cask": false, "installed": true, "required_by": ["workdir-one"]}
		],
		"tapped": [
			{"name": "acme/tap", "tapped": true, "required_by": ["workdir-one"]}
		]
	}`)
	writeLegacyFile(t, dir, legacyEnvFile, `{
		"workdirs": {
			"workdir-one": {
				"ref": "abc123",
				"tools": [{"tool": "python", "version": "3.12.1"}],
				"env": {"VIRTUAL_ENV": "/tmp/venv"}
			}
		}
	}`)

	pool, err := NewPool(PoolOptions{Path: dbPath, Size: 2, LegacyCacheDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store := NewStore(pool)
	ctx := context.Background()

	rows, err := store.ListInstalled(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// The workdir pointer and history were synthesized from the
	// legacy environment map.
	envID, err := store.CurrentEnvVersionID(ctx, "workdir-one")
	require.NoError(t, err)

	history, err := store.History(ctx, "workdir-one")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "abc123", history[0].Ref)
	assert.Equal(t, envID, history[0].EnvVersionID)

	ev, err := store.GetEnvironmentVersion(ctx, envID)
	require.NoError(t, err)
	require.Len(t, ev.Tools, 1)
	assert.Equal(t, "python", ev.Tools[0].Tool)
	vars, err := ev.EnvVars()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"VIRTUAL_ENV": "/tmp/venv"}, vars)

	// Requirements were remapped from workdir ids to the synthesized
	// environment version id.
	ids, err := store.RequiredBy(ctx, BackendTool, "python", "3.12.1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{envID}, ids)
	ids, err = store.RequiredBy(ctx, BackendHomebrewTap, "acme/tap", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{envID}, ids)

	// A requirement pointing at a vanished workdir is dropped; the
	// artifact stays, unreferenced, for retention cleanup to handle.
	ids, err = store.RequiredBy(ctx, BackendTool, "orphaned", "0.1.0", "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLegacyImportIsIdempotentByVersionCheck(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	writeLegacyFile(t, dir, legacyToolFile, `{
		"installed": [{"tool": "go", "version": "1.23.0", "required_by": []}]
	}`)

	open := func() int {
		pool, err := NewPool(PoolOptions{Path: dbPath, Size: 2, LegacyCacheDir: dir})
		require.NoError(t, err)
		defer func() { _ = pool.Close() }()

		rows, err := NewStore(pool).ListInstalled(context.Background(), "")
		require.NoError(t, err)
		return len(rows)
	}

	assert.Equal(t, 1, open())
	// Second open sees user_version already stamped and must not
	// import the flat files again.
	assert.Equal(t, 1, open())
}

func TestMalformedLegacyFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	writeLegacyFile(t, dir, legacyToolFile, `{not json`)

	pool, err := NewPool(PoolOptions{Path: dbPath, Size: 2, LegacyCacheDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	_, err = pool.Get(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrMigrationFailed, errors.CodeOf(err))

	// The failure poisons the pool; later acquisitions fail the same
	// way rather than running with a partial schema.
	_, err = pool.Get(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrMigrationFailed, errors.CodeOf(err))
}

func TestLoadLegacyCacheMissingDirIsNil(t *testing.T) {
	snap, err := loadLegacyCache(filepath.Join(t.TempDir(), "never-created"))
	require.NoError(t, err)
	assert.Nil(t, snap)
}
