package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/XaF/omnienv/pkg/errors"
)

// Legacy flat-file cache layout: one JSON file per former operation,
// guarded by a shared/exclusive file lock while any process touches
// them. These files are only ever read here, during the one-time
// import into the relational schema.
const (
	legacyToolFile     = "tool_operation.json"
	legacyHomebrewFile = "homebrew_operation.json"
	legacyEnvFile      = "up_environments.json"
	legacyLockFile     = ".cache.lock"
)

// legacySnapshot is the normalized pre-relational shape of the legacy
// cache: every former operation file folded into one structure, with
// environment versioning synthesized from the per-workdir environment
// map.
type legacySnapshot struct {
	Artifacts    []legacyArtifact
	Environments map[string]legacyEnv
}

type legacyArtifact struct {
	Backend        Backend
	Name           string
	Version        string
	Variant        string
	Installed      bool
	RequiredBy     []string
	LastRequiredAt time.Time
}

type legacyEnv struct {
	Ref   string            `json:"ref"`
	Tools []ToolSpec        `json:"tools"`
	Env   map[string]string `json:"env"`
}

type legacyToolPayload struct {
	Installed []struct {
		Tool           string    `json:"tool"`
		Version        string    `json:"version"`
		RequiredBy     []string  `json:"required_by"`
		LastRequiredAt time.Time `json:"last_required_at"`
	} `json:"installed"`
}

type legacyHomebrewPayload struct {
	Installed []struct {
		Name           string    `json:"name"`
		Version        string    `json:"version"`
		Cask           bool      `json:"cask"`
		Installed      bool      `json:"installed"`
		RequiredBy     []string  `json:"required_by"`
		LastRequiredAt time.Time `json:"last_required_at"`
	} `json:"installed"`
	Tapped []struct {
		Name           string    `json:"name"`
		Tapped         bool      `json:"tapped"`
		RequiredBy     []string  `json:"required_by"`
		LastRequiredAt time.Time `json:"last_required_at"`
	} `json:"tapped"`
}

type legacyEnvPayload struct {
	Workdirs map[string]legacyEnv `json:"workdirs"`
}

// loadLegacyCache reads and normalizes the legacy JSON cache under
// dir, holding a shared lock for the duration of the read. It returns
// (nil, nil) when no legacy files exist. Any malformed file is an
// error; callers treat that as fatal since a partial import is worse
// than none.
func loadLegacyCache(dir string) (*legacySnapshot, error) {
	present := false
	for _, name := range []string{legacyToolFile, legacyHomebrewFile, legacyEnvFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			present = true
			break
		}
	}
	if !present {
		return nil, nil
	}

	unlock, err := lockLegacyDir(dir, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	snap := &legacySnapshot{Environments: map[string]legacyEnv{}}

	var tools legacyToolPayload
	if err := readLegacyFile(filepath.Join(dir, legacyToolFile), &tools); err != nil {
		return nil, err
	}
	for _, t := range tools.Installed {
		snap.Artifacts = append(snap.Artifacts, legacyArtifact{
			Backend:        BackendTool,
			Name:           t.Tool,
			Version:        t.Version,
			Installed:      true,
			RequiredBy:     t.RequiredBy,
			LastRequiredAt: t.LastRequiredAt,
		})
	}

	var brew legacyHomebrewPayload
	if err := readLegacyFile(filepath.Join(dir, legacyHomebrewFile), &brew); err != nil {
		return nil, err
	}
	for _, f := range brew.Installed {
		backend := BackendHomebrewFormula
		if f.Cask {
			backend = BackendHomebrewCask
		}
		snap.Artifacts = append(snap.Artifacts, legacyArtifact{
			Backend:        backend,
			Name:           f.Name,
			Version:        f.Version,
			Installed:      f.Installed,
			RequiredBy:     f.RequiredBy,
			LastRequiredAt: f.LastRequiredAt,
		})
	}
	for _, t := range brew.Tapped {
		snap.Artifacts = append(snap.Artifacts, legacyArtifact{
			Backend:        BackendHomebrewTap,
			Name:           t.Name,
			Installed:      t.Tapped,
			RequiredBy:     t.RequiredBy,
			LastRequiredAt: t.LastRequiredAt,
		})
	}

	var envs legacyEnvPayload
	if err := readLegacyFile(filepath.Join(dir, legacyEnvFile), &envs); err != nil {
		return nil, err
	}
	for workdir, env := range envs.Workdirs {
		snap.Environments[workdir] = env
	}

	return snap, nil
}

// readLegacyFile decodes one legacy JSON file into out. A missing
// file is not an error; the former operation simply never ran.
func readLegacyFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.ErrIO, "failed to read legacy cache file %s", path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, errors.ErrSerialization, "malformed legacy cache file %s", path)
	}
	return nil
}

// lockLegacyDir takes the legacy cache lock, shared for reads and
// exclusive for writes, and returns the unlock function.
func lockLegacyDir(dir string, exclusive bool) (func(), error) {
	path := filepath.Join(dir, legacyLockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrIO, "failed to open legacy cache lock %s", path)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, errors.ErrIO, "failed to lock legacy cache at %s", path)
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
