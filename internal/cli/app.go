package cli

import (
	"github.com/XaF/omnienv/pkg/cache"
	"github.com/XaF/omnienv/pkg/config"
	"github.com/XaF/omnienv/pkg/paths"
)

// App is the explicit context object shared by every command: paths,
// loaded configuration, and the cache pool. It is constructed once
// per process; tests build their own isolated instance instead of
// relying on globals.
type App struct {
	Paths  *paths.Paths
	Config *config.Config
	Pool   *cache.Pool
	Store  *cache.Store
}

// NewApp resolves paths, loads configuration, and opens the cache
// pool. The schema upgrade itself is deferred to first use.
func NewApp() (*App, error) {
	p := paths.New()

	cfg, err := config.Load(p)
	if err != nil {
		return nil, err
	}

	if err := p.EnsureCacheDir(); err != nil {
		return nil, err
	}

	pool, err := cache.NewPool(cache.PoolOptions{
		Path:           cfg.Cache.Path,
		Size:           cfg.Cache.PoolSize,
		LegacyCacheDir: p.LegacyCacheDir(),
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Paths:  p,
		Config: cfg,
		Pool:   pool,
		Store:  cache.NewStore(pool),
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() error {
	if a.Pool != nil {
		return a.Pool.Close()
	}
	return nil
}
