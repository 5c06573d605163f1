package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"github.com/XaF/omnienv/pkg/errors"
)

// VersionsList is a fetched list of available versions for one
// (backend, key) pair, plus when it was fetched. Freshness is a pure
// function of FetchedAt and a caller-supplied TTL.
type VersionsList struct {
	Versions  []string
	FetchedAt time.Time
}

// FreshAt reports whether the list is still fresh at the given time.
func (v *VersionsList) FreshAt(ttl time.Duration, now time.Time) bool {
	return now.Sub(v.FetchedAt) < ttl
}

// Fresh reports whether the list is still fresh now.
func (v *VersionsList) Fresh(ttl time.Duration) bool {
	return v.FreshAt(ttl, time.Now().UTC())
}

// GetVersions loads the cached versions list for (backend, key). The
// second return value is false when no entry exists; staleness is for
// the caller to judge via Fresh, so even a stale entry is returned.
func (s *Store) GetVersions(ctx context.Context, backend Backend, key string) (*VersionsList, bool, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Release()

	var row VersionsCacheEntry
	res := conn.DB().Where("backend = ? AND key = ?", string(backend), key).First(&row)
	if stderrors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if res.Error != nil {
		return nil, false, errors.Wrapf(res.Error, errors.ErrSQL, "failed to load versions cache for %s/%s", backend, key)
	}

	var versions []string
	if err := json.Unmarshal([]byte(row.Payload), &versions); err != nil {
		return nil, false, errors.Wrapf(err, errors.ErrSerialization, "malformed versions payload for %s/%s", backend, key)
	}

	return &VersionsList{Versions: versions, FetchedAt: row.FetchedAt}, true, nil
}

// PutVersions replaces the cached versions list for (backend, key)
// wholesale and stamps it with the current time.
func (s *Store) PutVersions(ctx context.Context, backend Backend, key string, versions []string) error {
	payload, err := json.Marshal(versions)
	if err != nil {
		return errors.Wrapf(err, errors.ErrSerialization, "failed to encode versions for %s/%s", backend, key)
	}

	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	err = conn.DB().Transaction(func(tx *gorm.DB) error {
		var existing VersionsCacheEntry
		res := tx.Where("backend = ? AND key = ?", string(backend), key).First(&existing)
		if res.Error == nil {
			existing.Payload = string(payload)
			existing.FetchedAt = time.Now().UTC()
			return tx.Save(&existing).Error
		}
		if !stderrors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}
		row := VersionsCacheEntry{
			Backend:   string(backend),
			Key:       key,
			Payload:   string(payload),
			FetchedAt: time.Now().UTC(),
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrSQL, "failed to store versions for %s/%s", backend, key)
	}
	return nil
}
