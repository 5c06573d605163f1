package cache

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"github.com/XaF/omnienv/pkg/errors"
)

// RetentionPolicy supplies per-backend retention windows. In
// production it is backed by the loaded configuration.
type RetentionPolicy interface {
	RetentionFor(backend string) time.Duration
	VersionsTTLFor(backend string) time.Duration
}

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	ArtifactsDeleted map[Backend]int64
	VersionsDeleted  map[Backend]int64
}

// Cleanup runs a retention pass per backend. An artifact is deleted
// only when its last-required timestamp is past the backend's
// retention window and nothing requires it anymore; both conditions
// are re-checked inside the deleting transaction, so a concurrent
// RecordRequiredBy that commits first keeps the row. Versions-cache
// rows are pruned on their own TTL. A failing backend does not abort
// the others; all failures are aggregated into the returned error.
func (s *Store) Cleanup(ctx context.Context, policy RetentionPolicy) (*CleanupResult, error) {
	result := &CleanupResult{
		ArtifactsDeleted: make(map[Backend]int64),
		VersionsDeleted:  make(map[Backend]int64),
	}

	var errs []error
	for _, backend := range Backends() {
		deleted, err := s.cleanupArtifacts(ctx, backend, policy.RetentionFor(string(backend)))
		if err != nil {
			errs = append(errs, err)
		} else {
			result.ArtifactsDeleted[backend] = deleted
		}

		deleted, err = s.cleanupVersions(ctx, backend, policy.VersionsTTLFor(string(backend)))
		if err != nil {
			errs = append(errs, err)
		} else {
			result.VersionsDeleted[backend] = deleted
		}
	}

	if len(errs) > 0 {
		return result, stderrors.Join(errs...)
	}

	s.logger.Info().
		Interface("artifacts", result.ArtifactsDeleted).
		Interface("versions", result.VersionsDeleted).
		Msg("Cache cleanup complete")
	return result, nil
}

// cleanupArtifacts deletes one backend's expired, unreferenced
// artifacts in a single transaction.
func (s *Store) cleanupArtifacts(ctx context.Context, backend Backend, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	conn, err := s.pool.Get(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	cutoff := time.Now().UTC().Add(-retention)

	var deleted int64
	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		res := tx.Where(
			"backend = ? AND last_required_at < ? AND NOT EXISTS (SELECT 1 FROM artifact_requirements WHERE artifact_requirements.artifact_id = installed_artifacts.id)",
			string(backend), cutoff,
		).Delete(&InstalledArtifact{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrSQL, "cleanup of %s artifacts failed", backend)
	}

	return deleted, nil
}

// cleanupVersions prunes one backend's stale versions-cache rows.
func (s *Store) cleanupVersions(ctx context.Context, backend Backend, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}

	conn, err := s.pool.Get(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	cutoff := time.Now().UTC().Add(-ttl)

	res := conn.DB().Where("backend = ? AND fetched_at < ?", string(backend), cutoff).Delete(&VersionsCacheEntry{})
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, errors.ErrSQL, "cleanup of %s versions cache failed", backend)
	}
	return res.RowsAffected, nil
}
