package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrentConnections(t *testing.T) {
	pool, err := NewPool(PoolOptions{Size: 1, TestID: uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ctx := context.Background()
	conn, err := pool.Get(ctx)
	require.NoError(t, err)

	// With the single slot held, Get blocks until release.
	acquired := make(chan *PooledConn)
	go func() {
		second, err := pool.Get(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		acquired <- second
	}()

	select {
	case <-acquired:
		t.Fatal("second connection acquired while the only slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	conn.Release()

	select {
	case second := <-acquired:
		second.Release()
	case <-time.After(time.Second):
		t.Fatal("second connection never acquired after release")
	}
}

func TestPoolGetHonorsContextCancellation(t *testing.T) {
	pool, err := NewPool(PoolOptions{Size: 1, TestID: uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Get(ctx)
	require.Error(t, err)
}

func TestPoolTestIDsAreIsolated(t *testing.T) {
	ctx := context.Background()

	poolA, err := NewPool(PoolOptions{Size: 2, TestID: uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = poolA.Close() })
	poolB, err := NewPool(PoolOptions{Size: 2, TestID: uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = poolB.Close() })

	storeA := NewStore(poolA)
	storeB := NewStore(poolB)

	_, err = storeA.RecordInstalled(ctx, BackendTool, "only-in-a", "1.0", "")
	require.NoError(t, err)

	rows, err := storeB.ListInstalled(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rows, "pools with different test ids must not share data")
}

func TestPoolUpgradeRunsOnce(t *testing.T) {
	pool, err := NewPool(PoolOptions{Size: 2, TestID: uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ctx := context.Background()
	conn, err := pool.Get(ctx)
	require.NoError(t, err)
	conn.Release()

	var version int
	require.NoError(t, pool.db.Raw("PRAGMA user_version").Scan(&version).Error)
	assert.Equal(t, schemaVersion, version)

	// Subsequent acquisitions skip the upgrade path entirely.
	conn, err = pool.Get(ctx)
	require.NoError(t, err)
	conn.Release()
}

func TestPoolDefaultLoggerEmitsUpgradeLogs(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	pool, err := NewPool(PoolOptions{Size: 1, TestID: uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	conn.Release()

	assert.Contains(t, buf.String(), "Upgrading cache schema")
	assert.Contains(t, buf.String(), "cache.pool")
}

func TestPoolLoggerOverride(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	pool, err := NewPool(PoolOptions{Size: 1, TestID: uuid.NewString(), Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	conn.Release()

	assert.Contains(t, buf.String(), "Upgrading cache schema")
}
