// Package cache implements the versioned, reference-counted cache of
// installed provisioning artifacts. All reads and writes go through a
// bounded connection pool to one SQLite database; every write runs in
// a transaction so partial state never becomes visible.
package cache

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/XaF/omnienv/pkg/errors"
	"github.com/XaF/omnienv/pkg/logging"
)

// Store is the query/update layer over the cache database.
type Store struct {
	pool   *Pool
	logger zerolog.Logger
}

// NewStore creates a Store over the given pool.
func NewStore(pool *Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.GetLogger("cache.store"),
	}
}

// RecordInstalled inserts or refreshes an installed artifact. It
// returns whether a new row was created; repeated calls with the same
// key only refresh the last-required timestamp.
func (s *Store) RecordInstalled(ctx context.Context, backend Backend, name, version, variant string) (bool, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	created := false
	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		var existing InstalledArtifact
		res := tx.Where("backend = ? AND name = ? AND version = ? AND variant = ?",
			string(backend), name, version, variant).First(&existing)
		if res.Error == nil {
			existing.Installed = true
			existing.LastRequiredAt = time.Now().UTC()
			return tx.Save(&existing).Error
		}
		if !stderrors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}

		row := InstalledArtifact{
			Backend:        string(backend),
			Name:           name,
			Version:        version,
			Variant:        variant,
			Installed:      true,
			LastRequiredAt: time.Now().UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, errors.ErrSQL, "failed to record install of %s/%s@%s", backend, name, version)
	}

	s.logger.Debug().
		Str("backend", string(backend)).
		Str("name", name).
		Str("version", version).
		Bool("created", created).
		Msg("Recorded installed artifact")
	return created, nil
}

// RecordRequiredBy adds an environment version to an artifact's
// required-by set. The artifact must already be installed and the
// environment version must exist. Returns whether a new reference was
// added; re-recording an existing reference only refreshes the
// artifact's timestamp.
func (s *Store) RecordRequiredBy(ctx context.Context, envVersionID string, backend Backend, name, version, variant string) (bool, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	added := false
	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		var artifact InstalledArtifact
		res := tx.Where("backend = ? AND name = ? AND version = ? AND variant = ?",
			string(backend), name, version, variant).First(&artifact)
		if stderrors.Is(res.Error, gorm.ErrRecordNotFound) {
			return errors.Newf(errors.ErrNotInstalled, "%s/%s@%s is not installed", backend, name, version)
		}
		if res.Error != nil {
			return res.Error
		}

		var envCount int64
		if err := tx.Model(&EnvironmentVersion{}).Where("id = ?", envVersionID).Count(&envCount).Error; err != nil {
			return err
		}
		if envCount == 0 {
			return errors.Newf(errors.ErrEnvVersionNotFound, "environment version %s does not exist", envVersionID)
		}

		var existing ArtifactRequirement
		res = tx.Where("artifact_id = ? AND env_version_id = ?", artifact.ID, envVersionID).First(&existing)
		if res.Error == nil {
			// Already required; just refresh the timestamp.
		} else if stderrors.Is(res.Error, gorm.ErrRecordNotFound) {
			req := ArtifactRequirement{ArtifactID: artifact.ID, EnvVersionID: envVersionID}
			if err := tx.Create(&req).Error; err != nil {
				return err
			}
			added = true
		} else {
			return res.Error
		}

		artifact.LastRequiredAt = time.Now().UTC()
		return tx.Save(&artifact).Error
	})
	if err != nil {
		var structured *errors.Error
		if errors.As(err, &structured) {
			return false, structured
		}
		return false, errors.Wrapf(err, errors.ErrSQL, "failed to record requirement for %s/%s@%s", backend, name, version)
	}
	return added, nil
}

// ListInstalled returns installed artifacts, all of them when backend
// is empty, in a stable order.
func (s *Store) ListInstalled(ctx context.Context, backend Backend) ([]InstalledArtifact, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	q := conn.DB().Order("backend, name, version")
	if backend != "" {
		q = q.Where("backend = ?", string(backend))
	}

	var rows []InstalledArtifact
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrSQL, "failed to list installed artifacts")
	}
	return rows, nil
}

// RequiredBy returns the ids of the environment versions currently
// requiring an artifact.
func (s *Store) RequiredBy(ctx context.Context, backend Backend, name, version, variant string) ([]string, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var ids []string
	err = conn.DB().
		Model(&ArtifactRequirement{}).
		Joins("JOIN installed_artifacts ON installed_artifacts.id = artifact_requirements.artifact_id").
		Where("installed_artifacts.backend = ? AND installed_artifacts.name = ? AND installed_artifacts.version = ? AND installed_artifacts.variant = ?",
			string(backend), name, version, variant).
		Pluck("artifact_requirements.env_version_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSQL, "failed to query required-by set")
	}
	return ids, nil
}

// SaveEnvironmentVersion persists a content-addressed environment
// version. Saving the same version twice is a no-op; versions are
// immutable once created.
func (s *Store) SaveEnvironmentVersion(ctx context.Context, ev *EnvironmentVersion) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&EnvironmentVersion{}).Where("id = ?", ev.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		ev.CreatedAt = time.Now().UTC()
		return tx.Create(ev).Error
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrSQL, "failed to save environment version %s", ev.ID)
	}
	return nil
}

// GetEnvironmentVersion loads a version and its tool pins. Returns a
// NOT_FOUND error when the id is unknown.
func (s *Store) GetEnvironmentVersion(ctx context.Context, id string) (*EnvironmentVersion, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var ev EnvironmentVersion
	res := conn.DB().Preload("Tools").Where("id = ?", id).First(&ev)
	if stderrors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, errors.Newf(errors.ErrNotFound, "environment version %s not found", id)
	}
	if res.Error != nil {
		return nil, errors.Wrapf(res.Error, errors.ErrSQL, "failed to load environment version %s", id)
	}
	return &ev, nil
}

// DeleteEnvironmentVersion removes a version, cascading over its tool
// pins and every required-by reference pointing at it. Artifacts left
// without references become eligible for retention cleanup; they are
// not deleted here.
func (s *Store) DeleteEnvironmentVersion(ctx context.Context, id string) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("env_version_id = ?", id).Delete(&ArtifactRequirement{}).Error; err != nil {
			return err
		}
		if err := tx.Where("env_version_id = ?", id).Delete(&EnvTool{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&EnvironmentVersion{}).Error
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrSQL, "failed to delete environment version %s", id)
	}

	s.logger.Debug().Str("env_version", id).Msg("Deleted environment version")
	return nil
}

// AssignWorkdir points a work directory at an environment version and
// appends a history entry recording the ref in use at the time.
func (s *Store) AssignWorkdir(ctx context.Context, workdirID, ref, envVersionID string) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&EnvironmentVersion{}).Where("id = ?", envVersionID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return errors.Newf(errors.ErrEnvVersionNotFound, "environment version %s does not exist", envVersionID)
		}

		pointer := WorkdirPointer{
			WorkdirID:    workdirID,
			EnvVersionID: envVersionID,
			UpdatedAt:    time.Now().UTC(),
		}
		if err := tx.Save(&pointer).Error; err != nil {
			return err
		}

		entry := HistoryEntry{
			ID:           uuid.NewString(),
			WorkdirID:    workdirID,
			Ref:          ref,
			EnvVersionID: envVersionID,
			CreatedAt:    time.Now().UTC(),
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		var structured *errors.Error
		if errors.As(err, &structured) {
			return structured
		}
		return errors.Wrapf(err, errors.ErrSQL, "failed to assign workdir %s", workdirID)
	}
	return nil
}

// CurrentEnvVersionID returns the environment version a work directory
// currently points at, or NOT_FOUND.
func (s *Store) CurrentEnvVersionID(ctx context.Context, workdirID string) (string, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Release()

	var pointer WorkdirPointer
	res := conn.DB().Where("workdir_id = ?", workdirID).First(&pointer)
	if stderrors.Is(res.Error, gorm.ErrRecordNotFound) {
		return "", errors.Newf(errors.ErrNotFound, "no environment for workdir %s", workdirID)
	}
	if res.Error != nil {
		return "", errors.Wrapf(res.Error, errors.ErrSQL, "failed to load workdir pointer for %s", workdirID)
	}
	return pointer.EnvVersionID, nil
}

// History returns a work directory's history entries, newest first.
func (s *Store) History(ctx context.Context, workdirID string) ([]HistoryEntry, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var entries []HistoryEntry
	err = conn.DB().Where("workdir_id = ?", workdirID).Order("created_at DESC").Find(&entries).Error
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrSQL, "failed to load history for %s", workdirID)
	}
	return entries, nil
}

// ResolveTools returns, for each tool in the environment version, the
// pin whose scoping directory is the most specific ancestor of path.
// Scoping directories are unique per tool within one environment, so
// there are no ties. Path and scope are both relative to the work
// directory root; an empty scope applies everywhere.
func (s *Store) ResolveTools(ctx context.Context, envVersionID, path string) ([]EnvTool, error) {
	ev, err := s.GetEnvironmentVersion(ctx, envVersionID)
	if err != nil {
		return nil, err
	}

	best := make(map[string]EnvTool)
	for _, pin := range ev.Tools {
		if !scopeContains(pin.ScopeDir, path) {
			continue
		}
		current, ok := best[pin.Tool]
		if !ok || len(pin.ScopeDir) > len(current.ScopeDir) {
			best[pin.Tool] = pin
		}
	}

	resolved := make([]EnvTool, 0, len(best))
	for _, pin := range best {
		resolved = append(resolved, pin)
	}
	return resolved, nil
}

// scopeContains reports whether path is scope itself or lives below
// it. The empty scope matches every path.
func scopeContains(scope, path string) bool {
	if scope == "" {
		return true
	}
	scope = filepath.Clean(scope)
	path = filepath.Clean(path)
	if scope == path {
		return true
	}
	return strings.HasPrefix(path, scope+string(filepath.Separator))
}
