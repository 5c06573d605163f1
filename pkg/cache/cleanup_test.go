package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPolicy is a fixed retention policy for tests.
type testPolicy struct {
	retention time.Duration
	ttl       time.Duration
}

func (p testPolicy) RetentionFor(string) time.Duration   { return p.retention }
func (p testPolicy) VersionsTTLFor(string) time.Duration { return p.ttl }

// backdate rewrites an artifact's last-required timestamp, simulating
// the passage of time.
func backdate(t *testing.T, store *Store, backend Backend, name string, to time.Time) {
	t.Helper()
	conn, err := store.pool.Get(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	err = conn.DB().Model(&InstalledArtifact{}).
		Where("backend = ? AND name = ?", string(backend), name).
		Update("last_required_at", to).Error
	require.NoError(t, err)
}

func TestCleanupRemovesExpiredUnreferencedOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordInstalled(ctx, BackendTool, "stale", "1.0", "")
	require.NoError(t, err)
	_, err = store.RecordInstalled(ctx, BackendTool, "recent", "1.0", "")
	require.NoError(t, err)
	_, err = store.RecordInstalled(ctx, BackendTool, "stale-but-required", "1.0", "")
	require.NoError(t, err)

	ev := mustEnvVersion(t, store, []ToolSpec{{Tool: "stale-but-required", Version: "1.0"}}, nil)
	_, err = store.RecordRequiredBy(ctx, ev.ID, BackendTool, "stale-but-required", "1.0", "")
	require.NoError(t, err)

	longAgo := time.Now().UTC().Add(-48 * time.Hour)
	backdate(t, store, BackendTool, "stale", longAgo)
	backdate(t, store, BackendTool, "stale-but-required", longAgo)

	result, err := store.Cleanup(ctx, testPolicy{retention: 24 * time.Hour, ttl: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ArtifactsDeleted[BackendTool])

	rows, err := store.ListInstalled(ctx, BackendTool)
	require.NoError(t, err)
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Name)
	}
	assert.ElementsMatch(t, []string{"recent", "stale-but-required"}, names)
}

func TestCleanupAfterLastEnvironmentGone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := mustEnvVersion(t, store, []ToolSpec{{Tool: "pkgA", Version: "1.0"}}, nil)
	_, err := store.RecordInstalled(ctx, BackendCargoInstall, "pkgA", "1.0", "")
	require.NoError(t, err)
	_, err = store.RecordRequiredBy(ctx, ev.ID, BackendCargoInstall, "pkgA", "1.0", "")
	require.NoError(t, err)

	backdate(t, store, BackendCargoInstall, "pkgA", time.Now().UTC().Add(-48*time.Hour))

	// Still referenced: survives even though it is old.
	_, err = store.Cleanup(ctx, testPolicy{retention: 24 * time.Hour, ttl: time.Hour})
	require.NoError(t, err)
	rows, err := store.ListInstalled(ctx, BackendCargoInstall)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Once the last environment is gone, the retention window applies.
	require.NoError(t, store.DeleteEnvironmentVersion(ctx, ev.ID))
	backdate(t, store, BackendCargoInstall, "pkgA", time.Now().UTC().Add(-48*time.Hour))

	_, err = store.Cleanup(ctx, testPolicy{retention: 24 * time.Hour, ttl: time.Hour})
	require.NoError(t, err)
	rows, err = store.ListInstalled(ctx, BackendCargoInstall)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCleanupPrunesStaleVersionsCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutVersions(ctx, BackendCargoInstall, "serde", []string{"1.0.100", "1.0.200"}))

	// Fresh entries survive a cleanup pass.
	_, err := store.Cleanup(ctx, testPolicy{retention: 24 * time.Hour, ttl: time.Hour})
	require.NoError(t, err)
	_, found, err := store.GetVersions(ctx, BackendCargoInstall, "serde")
	require.NoError(t, err)
	assert.True(t, found)

	// Backdate the fetch and it gets pruned.
	conn, err := store.pool.Get(ctx)
	require.NoError(t, err)
	err = conn.DB().Model(&VersionsCacheEntry{}).
		Where("key = ?", "serde").
		Update("fetched_at", time.Now().UTC().Add(-2*time.Hour)).Error
	conn.Release()
	require.NoError(t, err)

	result, err := store.Cleanup(ctx, testPolicy{retention: 24 * time.Hour, ttl: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.VersionsDeleted[BackendCargoInstall])

	_, found, err = store.GetVersions(ctx, BackendCargoInstall, "serde")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestVersionsFreshnessIsPure(t *testing.T) {
	now := time.Now().UTC()
	list := &VersionsList{Versions: []string{"1.0"}, FetchedAt: now.Add(-30 * time.Minute)}

	assert.True(t, list.FreshAt(time.Hour, now))
	assert.False(t, list.FreshAt(10*time.Minute, now))
}

func TestPutVersionsReplacesWholesale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutVersions(ctx, BackendGoInstall, "golang.org/x/tools", []string{"v0.1.0"}))
	require.NoError(t, store.PutVersions(ctx, BackendGoInstall, "golang.org/x/tools", []string{"v0.1.0", "v0.2.0"}))

	list, found, err := store.GetVersions(ctx, BackendGoInstall, "golang.org/x/tools")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"v0.1.0", "v0.2.0"}, list.Versions)
}
