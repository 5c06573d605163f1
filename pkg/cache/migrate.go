package cache

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/XaF/omnienv/pkg/errors"
)

// importLegacy writes a normalized legacy snapshot into the relational
// schema, all inside the caller's transaction.
//
// Environment versioning is synthesized here: each workdir's legacy
// environment map becomes a content-addressed EnvironmentVersion, a
// WorkdirPointer, and one history entry. Legacy required_by entries
// name raw workdir ids; they are remapped to the synthesized version
// ids. A required_by entry whose workdir no longer has an environment
// is dropped, which leaves the artifact unreferenced and therefore
// subject to ordinary retention cleanup rather than kept alive
// forever.
func importLegacy(tx *gorm.DB, snap *legacySnapshot) error {
	envVersionByWorkdir := make(map[string]string, len(snap.Environments))

	for workdir, env := range snap.Environments {
		ev, err := NewEnvironmentVersion(env.Tools, env.Env)
		if err != nil {
			return errors.Wrapf(err, errors.ErrSerialization, "failed to hash environment for %s", workdir)
		}

		// Two workdirs with identical environments share one version.
		res := tx.Where(EnvironmentVersion{ID: ev.ID}).FirstOrCreate(ev)
		if res.Error != nil {
			return errors.Wrapf(res.Error, errors.ErrSQL, "failed to import environment version for %s", workdir)
		}

		now := time.Now().UTC()
		pointer := WorkdirPointer{WorkdirID: workdir, EnvVersionID: ev.ID, UpdatedAt: now}
		if err := tx.Save(&pointer).Error; err != nil {
			return errors.Wrapf(err, errors.ErrSQL, "failed to import workdir pointer for %s", workdir)
		}

		entry := HistoryEntry{
			ID:           uuid.NewString(),
			WorkdirID:    workdir,
			Ref:          env.Ref,
			EnvVersionID: ev.ID,
			CreatedAt:    now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return errors.Wrapf(err, errors.ErrSQL, "failed to import history for %s", workdir)
		}

		envVersionByWorkdir[workdir] = ev.ID
	}

	for _, art := range snap.Artifacts {
		row := InstalledArtifact{
			Backend:        string(art.Backend),
			Name:           art.Name,
			Version:        art.Version,
			Variant:        art.Variant,
			Installed:      art.Installed,
			LastRequiredAt: art.LastRequiredAt,
		}
		if row.LastRequiredAt.IsZero() {
			row.LastRequiredAt = time.Now().UTC()
		}
		if err := tx.Create(&row).Error; err != nil {
			return errors.Wrapf(err, errors.ErrSQL, "failed to import artifact %s/%s", art.Backend, art.Name)
		}

		for _, requiredBy := range art.RequiredBy {
			envID, ok := envVersionByWorkdir[requiredBy]
			if !ok {
				continue
			}
			req := ArtifactRequirement{ArtifactID: row.ID, EnvVersionID: envID}
			if err := tx.Create(&req).Error; err != nil {
				return errors.Wrapf(err, errors.ErrSQL, "failed to import requirement for %s/%s", art.Backend, art.Name)
			}
		}
	}

	return nil
}
