package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/XaF/omnienv/pkg/errors"
	"github.com/XaF/omnienv/pkg/logging"
)

// schemaVersion is stored in the SQLite user_version pragma. Zero
// means a fresh database that still needs the one-time upgrade.
const schemaVersion = 1

// PoolOptions configures a connection pool.
type PoolOptions struct {
	// Path of the database file. Ignored when TestID is set.
	Path string

	// Size bounds the number of concurrently held connections.
	Size int

	// LegacyCacheDir is where the pre-relational JSON cache files
	// live; empty disables legacy import.
	LegacyCacheDir string

	// TestID, when non-empty, switches the pool to a shared in-memory
	// database unique to that id, so concurrent test runs never touch
	// each other's data.
	TestID string

	// Logger overrides the pool's default component logger.
	Logger *zerolog.Logger
}

// Pool is a bounded pool of connections to one cache database. The
// first acquired connection runs the one-time schema upgrade; any
// failure there poisons the pool permanently, since a half-migrated
// cache is unsafe to use.
type Pool struct {
	db     *gorm.DB
	slots  chan struct{}
	logger zerolog.Logger

	legacyDir string

	upgradeOnce sync.Once
	upgradeErr  error
}

// PooledConn is one checked-out pool slot. Release must be called
// exactly once; using the connection after Release is a bug.
type PooledConn struct {
	pool *Pool
	db   *gorm.DB
}

// DB returns the underlying gorm handle.
func (c *PooledConn) DB() *gorm.DB { return c.db }

// Release returns this connection's slot to the pool.
func (c *PooledConn) Release() {
	<-c.pool.slots
}

// NewPool opens the database and prepares the pool. The schema
// upgrade is deferred to the first Get so that merely constructing a
// pool stays cheap.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Size <= 0 {
		opts.Size = 5
	}
	logger := logging.GetLogger("cache.pool")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	dsn := opts.Path
	if opts.TestID != "" {
		// One shared in-memory database per test id.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", opts.TestID)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrSQL, "failed to open cache database at %s", dsn)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(opts.Size)
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrSQL, "failed to enable foreign keys")
	}

	return &Pool{
		db:        db,
		slots:     make(chan struct{}, opts.Size),
		logger:    logger,
		legacyDir: opts.LegacyCacheDir,
	}, nil
}

// Get blocks until a pool slot is free and returns a connection. The
// first successful call runs the one-time schema upgrade.
func (p *Pool) Get(ctx context.Context) (*PooledConn, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrIO, "interrupted while waiting for a cache connection")
	}

	p.upgradeOnce.Do(func() {
		p.upgradeErr = p.upgrade()
	})
	if p.upgradeErr != nil {
		<-p.slots
		return nil, p.upgradeErr
	}

	return &PooledConn{pool: p, db: p.db.WithContext(ctx)}, nil
}

// Close tears down the underlying database handle.
func (p *Pool) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// upgrade brings a fresh database to the current schema version:
// normalize any legacy flat-file cache, create the relational schema,
// import the normalized data, and stamp the version pragma. The
// version check makes it idempotent, and it runs at most once per
// database file.
func (p *Pool) upgrade() error {
	var version int
	if err := p.db.Raw("PRAGMA user_version").Scan(&version).Error; err != nil {
		return errors.Wrap(err, errors.ErrMigrationFailed, "failed to read schema version")
	}
	if version >= schemaVersion {
		return nil
	}

	p.logger.Info().Int("from", version).Int("to", schemaVersion).Msg("Upgrading cache schema")

	var snapshot *legacySnapshot
	if p.legacyDir != "" {
		snap, err := loadLegacyCache(p.legacyDir)
		if err != nil {
			return errors.Wrap(err, errors.ErrMigrationFailed, "failed to normalize legacy cache")
		}
		snapshot = snap
	}

	if err := p.db.AutoMigrate(allModels()...); err != nil {
		return errors.Wrap(err, errors.ErrMigrationFailed, "failed to create cache schema")
	}

	err := p.db.Transaction(func(tx *gorm.DB) error {
		if snapshot != nil {
			if err := importLegacy(tx, snapshot); err != nil {
				return err
			}
		}
		return tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)).Error
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrMigrationFailed, "failed to import legacy cache")
	}

	p.logger.Debug().Msg("Cache schema upgrade complete")
	return nil
}
