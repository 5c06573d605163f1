// Package config loads omnienv configuration using koanf.
// Values come from built-in defaults, then an optional config file in
// the omnienv config directory, then OMNIENV_-prefixed environment
// variables, each layer overriding the previous one.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/XaF/omnienv/pkg/errors"
	"github.com/XaF/omnienv/pkg/paths"
)

// Config is the resolved omnienv configuration.
type Config struct {
	Cache      CacheConfig   `koanf:"cache"`
	Command    CommandConfig `koanf:"command"`
	Operations Operations    `koanf:"operations"`
}

// CacheConfig controls the cache database and its retention policy.
type CacheConfig struct {
	// Path of the cache database file. Empty means the default
	// location under the XDG cache directory.
	Path string `koanf:"path"`

	// PoolSize bounds the number of concurrently held connections.
	PoolSize int `koanf:"pool_size"`

	// Retention maps a backend name to how long an unreferenced
	// installed artifact is kept after it was last required.
	Retention map[string]time.Duration `koanf:"retention"`

	// VersionsTTL maps a backend name to how long a fetched list of
	// available versions stays fresh.
	VersionsTTL map[string]time.Duration `koanf:"versions_ttl"`
}

// CommandConfig controls supervised command execution.
type CommandConfig struct {
	// IdleTimeout is how long a command may go without producing
	// output before it is killed. Zero disables the timeout.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// Askpass enables the credential relay for commands that may
	// prompt for secrets.
	Askpass bool `koanf:"askpass"`
}

// Operations is the operation allow-list policy. An empty list allows
// everything.
type Operations struct {
	Allowed []string `koanf:"allowed"`
}

// IsAllowed reports whether the named operation passes the policy.
func (o Operations) IsAllowed(name string) bool {
	if len(o.Allowed) == 0 {
		return true
	}
	for _, op := range o.Allowed {
		if op == name {
			return true
		}
	}
	return false
}

// CheckAllowed returns a CONFIG_POLICY error if the operation is
// disallowed.
func (o Operations) CheckAllowed(name string) error {
	if !o.IsAllowed(name) {
		return errors.Newf(errors.ErrConfigPolicy, "operation %q is disallowed by configuration", name)
	}
	return nil
}

// Defaults used when neither the config file nor the environment sets
// a value. Retention and TTL values are expressed in hours because Go
// durations have no day unit.
var defaults = map[string]interface{}{
	"cache.pool_size":              5,
	"cache.retention.default":      "2160h", // 90 days
	"cache.retention.homebrew-tap": "4320h", // 180 days, taps are cheap to keep
	"cache.versions_ttl.default":   "24h",
	"command.idle_timeout":         "90s",
	"command.askpass":              true,
}

// Load builds the configuration from defaults, the first config file
// found in the config directory (config.toml then config.yaml), and
// OMNIENV_ environment overrides.
func Load(p *paths.Paths) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load defaults")
	}

	for _, candidate := range []struct {
		name   string
		parser koanf.Parser
	}{
		{"config.toml", toml.Parser()},
		{"config.yaml", yaml.Parser()},
	} {
		path := filepath.Join(p.ConfigDir(), candidate.name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), candidate.parser); err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigLoad, "failed to load config from %s", path)
		}
		break
	}

	// OMNIENV_CACHE__POOL_SIZE=2 -> cache.pool_size
	if err := k.Load(env.Provider("OMNIENV_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "OMNIENV_"))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load environment overrides")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to unmarshal configuration")
	}

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = p.CacheDBPath()
	}
	if cfg.Cache.PoolSize <= 0 {
		cfg.Cache.PoolSize = 5
	}

	return &cfg, nil
}

// RetentionFor returns the retention window for a backend, falling
// back to the "default" entry.
func (c *CacheConfig) RetentionFor(backend string) time.Duration {
	if d, ok := c.Retention[backend]; ok {
		return d
	}
	return c.Retention["default"]
}

// VersionsTTLFor returns the versions-cache TTL for a backend, falling
// back to the "default" entry.
func (c *CacheConfig) VersionsTTLFor(backend string) time.Duration {
	if d, ok := c.VersionsTTL[backend]; ok {
		return d
	}
	return c.VersionsTTL["default"]
}
