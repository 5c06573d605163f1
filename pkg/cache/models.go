package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Backend identifies a provisioning backend. The set is fixed at
// compile time; dispatch over backends is always over these values.
type Backend string

const (
	// BackendTool covers asdf/mise-managed language runtimes.
	BackendTool Backend = "tool"

	// BackendHomebrewFormula and BackendHomebrewCask cover Homebrew
	// installs; BackendHomebrewTap covers tapped repositories.
	BackendHomebrewFormula Backend = "homebrew-formula"
	BackendHomebrewCask    Backend = "homebrew-cask"
	BackendHomebrewTap     Backend = "homebrew-tap"

	// BackendGithubRelease covers binaries downloaded from GitHub
	// release pages.
	BackendGithubRelease Backend = "github-release"

	// BackendCargoInstall and BackendGoInstall cover language-specific
	// installers.
	BackendCargoInstall Backend = "cargo-install"
	BackendGoInstall    Backend = "go-install"
)

// Backends returns every known backend, in a stable order.
func Backends() []Backend {
	return []Backend{
		BackendTool,
		BackendHomebrewFormula,
		BackendHomebrewCask,
		BackendHomebrewTap,
		BackendGithubRelease,
		BackendCargoInstall,
		BackendGoInstall,
	}
}

// InstalledArtifact is one installed tool version, uniquely identified
// by (backend, name, version, variant). A row exists while at least
// one environment version requires it, or during the grace period
// right after installation before any environment claims it.
type InstalledArtifact struct {
	ID             uint   `gorm:"primaryKey"`
	Backend        string `gorm:"size:32;uniqueIndex:idx_artifact_key"`
	Name           string `gorm:"uniqueIndex:idx_artifact_key"`
	Version        string `gorm:"uniqueIndex:idx_artifact_key"`
	Variant        string `gorm:"uniqueIndex:idx_artifact_key"`
	Installed      bool
	LastRequiredAt time.Time `gorm:"index"`
}

// ArtifactRequirement joins an installed artifact to an environment
// version that requires it. Rows are removed by cascading delete when
// the environment version goes away.
type ArtifactRequirement struct {
	ID           uint   `gorm:"primaryKey"`
	ArtifactID   uint   `gorm:"uniqueIndex:idx_requirement"`
	EnvVersionID string `gorm:"size:64;uniqueIndex:idx_requirement;index"`
}

// EnvironmentVersion is an immutable, content-addressed snapshot of a
// resolved project environment. The ID is the hex sha256 of the
// canonical JSON rendering of its tools and environment variables, so
// identical resolutions always produce the same version.
type EnvironmentVersion struct {
	ID        string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
	EnvJSON   string
	Tools     []EnvTool `gorm:"foreignKey:EnvVersionID;references:ID"`
}

// EnvTool pins one tool version within an environment version,
// optionally scoped to a subdirectory of the work directory. Scoping
// directories are unique per tool within one environment.
type EnvTool struct {
	ID           uint   `gorm:"primaryKey"`
	EnvVersionID string `gorm:"size:64;index"`
	Tool         string
	Version      string
	ScopeDir     string
}

// WorkdirPointer maps a work directory to its current environment
// version. Prior mappings live in the history log.
type WorkdirPointer struct {
	WorkdirID    string `gorm:"primaryKey"`
	EnvVersionID string `gorm:"size:64"`
	UpdatedAt    time.Time
}

// HistoryEntry is one append-only record of a work directory using an
// environment version at a given ref.
type HistoryEntry struct {
	ID           string `gorm:"primaryKey;size:36"`
	WorkdirID    string `gorm:"index"`
	Ref          string
	EnvVersionID string `gorm:"size:64;index"`
	CreatedAt    time.Time
}

// VersionsCacheEntry caches a fetched list of available versions for
// one (backend, key) pair, e.g. the published versions of a crate.
// Entries are replaced whole; freshness is judged against FetchedAt.
type VersionsCacheEntry struct {
	ID        uint   `gorm:"primaryKey"`
	Backend   string `gorm:"size:32;uniqueIndex:idx_versions_key"`
	Key       string `gorm:"uniqueIndex:idx_versions_key"`
	Payload   string
	FetchedAt time.Time `gorm:"index"`
}

// allModels lists every table in schema order for AutoMigrate.
func allModels() []interface{} {
	return []interface{}{
		&InstalledArtifact{},
		&ArtifactRequirement{},
		&EnvironmentVersion{},
		&EnvTool{},
		&WorkdirPointer{},
		&HistoryEntry{},
		&VersionsCacheEntry{},
	}
}

// ToolSpec is the resolved pin of one tool used to build an
// environment version.
type ToolSpec struct {
	Tool     string `json:"tool"`
	Version  string `json:"version"`
	ScopeDir string `json:"scope_dir,omitempty"`
}

// NewEnvironmentVersion builds a content-addressed environment version
// from resolved tool pins and environment variables. The same inputs
// always hash to the same ID regardless of map or slice ordering.
func NewEnvironmentVersion(tools []ToolSpec, envVars map[string]string) (*EnvironmentVersion, error) {
	sorted := make([]ToolSpec, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Tool != sorted[j].Tool {
			return sorted[i].Tool < sorted[j].Tool
		}
		return sorted[i].ScopeDir < sorted[j].ScopeDir
	})

	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	orderedEnv := make([][2]string, 0, len(keys))
	for _, k := range keys {
		orderedEnv = append(orderedEnv, [2]string{k, envVars[k]})
	}

	canonical, err := json.Marshal(struct {
		Tools []ToolSpec  `json:"tools"`
		Env   [][2]string `json:"env"`
	}{sorted, orderedEnv})
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(canonical)

	envJSON, err := json.Marshal(envVars)
	if err != nil {
		return nil, err
	}

	ev := &EnvironmentVersion{
		ID:      hex.EncodeToString(sum[:]),
		EnvJSON: string(envJSON),
	}
	for _, t := range sorted {
		ev.Tools = append(ev.Tools, EnvTool{
			Tool:     t.Tool,
			Version:  t.Version,
			ScopeDir: t.ScopeDir,
		})
	}
	return ev, nil
}

// EnvVars decodes the environment variable snapshot of the version.
func (ev *EnvironmentVersion) EnvVars() (map[string]string, error) {
	if ev.EnvJSON == "" {
		return map[string]string{}, nil
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(ev.EnvJSON), &vars); err != nil {
		return nil, err
	}
	return vars, nil
}
