package cache

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"github.com/XaF/omnienv/pkg/errors"
)

// PruneHistory trims a work directory's history to its most recent
// keep entries. Environment versions that lose their last reference
// (no pointer and no remaining history entry anywhere) are deleted,
// which cascades over their required-by rows.
func (s *Store) PruneHistory(ctx context.Context, workdirID string, keep int) error {
	if keep < 0 {
		keep = 0
	}

	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		var entries []HistoryEntry
		if err := tx.Where("workdir_id = ?", workdirID).Order("created_at DESC").Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) <= keep {
			return nil
		}

		for _, entry := range entries[keep:] {
			if err := tx.Delete(&HistoryEntry{}, "id = ?", entry.ID).Error; err != nil {
				return err
			}
			if err := deleteEnvVersionIfUnreferenced(tx, entry.EnvVersionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrSQL, "failed to prune history for %s", workdirID)
	}
	return nil
}

// ForgetWorkdir drops a work directory entirely: its pointer, its
// history, and any environment versions nothing else references.
func (s *Store) ForgetWorkdir(ctx context.Context, workdirID string) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		var entries []HistoryEntry
		if err := tx.Where("workdir_id = ?", workdirID).Find(&entries).Error; err != nil {
			return err
		}

		var pointer WorkdirPointer
		res := tx.Where("workdir_id = ?", workdirID).First(&pointer)
		if res.Error != nil && !stderrors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}

		if err := tx.Where("workdir_id = ?", workdirID).Delete(&HistoryEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("workdir_id = ?", workdirID).Delete(&WorkdirPointer{}).Error; err != nil {
			return err
		}

		seen := map[string]bool{}
		candidates := make([]string, 0, len(entries)+1)
		for _, entry := range entries {
			if !seen[entry.EnvVersionID] {
				seen[entry.EnvVersionID] = true
				candidates = append(candidates, entry.EnvVersionID)
			}
		}
		if pointer.EnvVersionID != "" && !seen[pointer.EnvVersionID] {
			candidates = append(candidates, pointer.EnvVersionID)
		}

		for _, envID := range candidates {
			if err := deleteEnvVersionIfUnreferenced(tx, envID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrSQL, "failed to forget workdir %s", workdirID)
	}

	s.logger.Debug().Str("workdir", workdirID).Msg("Forgot workdir")
	return nil
}

// deleteEnvVersionIfUnreferenced removes an environment version when
// no workdir pointer and no history entry refers to it anymore. The
// cascade over required-by rows matches DeleteEnvironmentVersion.
func deleteEnvVersionIfUnreferenced(tx *gorm.DB, envVersionID string) error {
	var pointers int64
	if err := tx.Model(&WorkdirPointer{}).Where("env_version_id = ?", envVersionID).Count(&pointers).Error; err != nil {
		return err
	}
	var history int64
	if err := tx.Model(&HistoryEntry{}).Where("env_version_id = ?", envVersionID).Count(&history).Error; err != nil {
		return err
	}
	if pointers > 0 || history > 0 {
		return nil
	}

	if err := tx.Where("env_version_id = ?", envVersionID).Delete(&ArtifactRequirement{}).Error; err != nil {
		return err
	}
	if err := tx.Where("env_version_id = ?", envVersionID).Delete(&EnvTool{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", envVersionID).Delete(&EnvironmentVersion{}).Error
}
