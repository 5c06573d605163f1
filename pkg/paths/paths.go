// Package paths provides centralized path handling for omnienv.
// It implements XDG Base Directory specification compliance and
// provides a consistent API for all path operations in the codebase.
package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/XaF/omnienv/pkg/errors"
)

// Environment variable names
const (
	// EnvDataDir overrides the XDG data directory for omnienv
	EnvDataDir = "OMNIENV_DATA_DIR"

	// EnvConfigDir overrides the XDG config directory for omnienv
	EnvConfigDir = "OMNIENV_CONFIG_DIR"

	// EnvCacheDir overrides the XDG cache directory for omnienv
	EnvCacheDir = "OMNIENV_CACHE_DIR"
)

// Default directories and files.
// These constants define omnienv's internal layout and are NOT
// user-configurable; user-configurable paths belong in pkg/config.
const (
	// AppDirName is the directory name for omnienv-specific files
	AppDirName = "omnienv"

	// CacheDBFile is the name of the relational cache database
	CacheDBFile = "cache.db"

	// LegacyCacheDirName holds the pre-relational JSON cache files
	LegacyCacheDirName = "cache"

	// LogFileName is the name of the log file
	LogFileName = "omnienv.log"
)

// Paths provides centralized path management for omnienv.
type Paths struct {
	dataDir   string
	configDir string
	cacheDir  string
}

// New constructs Paths from the environment, falling back to the XDG
// base directories.
func New() *Paths {
	p := &Paths{
		dataDir:   filepath.Join(xdg.DataHome, AppDirName),
		configDir: filepath.Join(xdg.ConfigHome, AppDirName),
		cacheDir:  filepath.Join(xdg.CacheHome, AppDirName),
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		p.dataDir = dir
	}
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		p.configDir = dir
	}
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		p.cacheDir = dir
	}
	return p
}

// DataDir returns the data directory.
func (p *Paths) DataDir() string { return p.dataDir }

// ConfigDir returns the configuration directory.
func (p *Paths) ConfigDir() string { return p.configDir }

// CacheDir returns the cache directory.
func (p *Paths) CacheDir() string { return p.cacheDir }

// CacheDBPath returns the path of the relational cache database.
func (p *Paths) CacheDBPath() string {
	return filepath.Join(p.cacheDir, CacheDBFile)
}

// LegacyCacheDir returns the directory holding the pre-relational
// JSON cache files.
func (p *Paths) LegacyCacheDir() string {
	return filepath.Join(p.cacheDir, LegacyCacheDirName)
}

// EnsureCacheDir creates the cache directory if needed.
func (p *Paths) EnsureCacheDir() error {
	if err := os.MkdirAll(p.cacheDir, 0755); err != nil {
		return errors.Wrapf(err, errors.ErrIO, "failed to create cache directory %s", p.cacheDir)
	}
	return nil
}

// PrivateTempDir creates an owner-only temporary directory, used for
// IPC endpoints whose paths are handed to child processes.
func PrivateTempDir(pattern string) (string, error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrIO, "failed to create private temp directory")
	}
	if err := os.Chmod(dir, 0700); err != nil {
		_ = os.RemoveAll(dir)
		return "", errors.Wrap(err, errors.ErrIO, "failed to restrict temp directory permissions")
	}
	return dir, nil
}
