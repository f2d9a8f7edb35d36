/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cliprepo is the persistence layer for collections and clips: gorm
// storage, an optional Redis list cache, and locator resolution.
package cliprepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/cliploop/internal/events"
	"github.com/friendsincode/cliploop/internal/models"
)

// ErrClipNotFound indicates a lookup for an unknown clip id.
var ErrClipNotFound = errors.New("clip not found")

// Repository stores collections and clips and publishes mutation events so
// the engine reconciles without waiting for its polling interval.
type Repository struct {
	db       *gorm.DB
	bus      *events.Bus
	cache    *Cache // nil disables caching
	resolver *Resolver
	logger   zerolog.Logger
}

// New creates a repository. cache may be nil.
func New(db *gorm.DB, bus *events.Bus, cache *Cache, resolver *Resolver, logger zerolog.Logger) *Repository {
	return &Repository{
		db:       db,
		bus:      bus,
		cache:    cache,
		resolver: resolver,
		logger:   logger.With().Str("component", "cliprepo").Logger(),
	}
}

// EnsureCollection creates the collection if it does not exist yet.
func (r *Repository) EnsureCollection(ctx context.Context, id, name string) error {
	col := models.Collection{ID: id, Name: name}
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		FirstOrCreate(&col).Error; err != nil {
		return fmt.Errorf("ensure collection %s: %w", id, err)
	}
	return nil
}

// ListClips returns the collection's clips in serve order.
func (r *Repository) ListClips(ctx context.Context, collectionID string) ([]models.Clip, error) {
	if r.cache != nil {
		if clips, ok := r.cache.GetClips(ctx, collectionID); ok {
			return clips, nil
		}
	}

	var clips []models.Clip
	if err := r.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("position asc, id asc").
		Find(&clips).Error; err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}

	if r.cache != nil {
		_ = r.cache.SetClips(ctx, collectionID, clips)
	}
	return clips, nil
}

// GetClip returns one clip by id.
func (r *Repository) GetClip(ctx context.Context, id string) (*models.Clip, error) {
	var clip models.Clip
	err := r.db.WithContext(ctx).First(&clip, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrClipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get clip %s: %w", id, err)
	}
	return &clip, nil
}

// CreateClip appends a clip to its collection. A missing ID is generated;
// the position is always assigned at the end.
func (r *Repository) CreateClip(ctx context.Context, clip *models.Clip) error {
	if clip.ID == "" {
		clip.ID = uuid.NewString()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Clip{}).
			Where("collection_id = ?", clip.CollectionID).
			Count(&count).Error; err != nil {
			return err
		}
		clip.Position = int(count)
		return tx.Create(clip).Error
	})
	if err != nil {
		return fmt.Errorf("create clip: %w", err)
	}

	r.invalidate(ctx, clip.CollectionID)
	r.publish(events.EventClipCreated, clip.CollectionID, clip.ID)
	r.logger.Info().Str("clip", clip.ID).Str("title", clip.Title).Msg("clip created")
	return nil
}

// UpdateClip persists metadata changes (title, locator, duration, loudness).
// Position changes go through Reorder instead.
func (r *Repository) UpdateClip(ctx context.Context, clip *models.Clip) error {
	res := r.db.WithContext(ctx).Model(&models.Clip{}).
		Where("id = ?", clip.ID).
		Updates(map[string]any{
			"title":            clip.Title,
			"locator":          clip.Locator,
			"duration_seconds": clip.DurationSeconds,
			"loudness":         clip.Loudness,
		})
	if res.Error != nil {
		return fmt.Errorf("update clip %s: %w", clip.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClipNotFound
	}

	r.invalidate(ctx, clip.CollectionID)
	r.publish(events.EventClipUpdated, clip.CollectionID, clip.ID)
	return nil
}

// DeleteClip removes a clip and closes the position gap it leaves.
func (r *Repository) DeleteClip(ctx context.Context, id string) error {
	var clip models.Clip
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&clip, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Clip{}, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Model(&models.Clip{}).
			Where("collection_id = ? AND position > ?", clip.CollectionID, clip.Position).
			UpdateColumn("position", gorm.Expr("position - 1")).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrClipNotFound
	}
	if err != nil {
		return fmt.Errorf("delete clip %s: %w", id, err)
	}

	r.invalidate(ctx, clip.CollectionID)
	r.publish(events.EventClipDeleted, clip.CollectionID, id)
	r.logger.Info().Str("clip", id).Msg("clip deleted")
	return nil
}

// Reorder rewrites the serve order of the collection. orderedIDs must name
// every clip in the collection exactly once.
func (r *Repository) Reorder(ctx context.Context, collectionID string, orderedIDs []string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Clip{}).
			Where("collection_id = ?", collectionID).
			Count(&count).Error; err != nil {
			return err
		}
		if int(count) != len(orderedIDs) {
			return fmt.Errorf("reorder names %d clips, collection has %d", len(orderedIDs), count)
		}
		for pos, id := range orderedIDs {
			res := tx.Model(&models.Clip{}).
				Where("id = ? AND collection_id = ?", id, collectionID).
				UpdateColumn("position", pos)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("clip %s not in collection: %w", id, ErrClipNotFound)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reorder collection %s: %w", collectionID, err)
	}

	r.invalidate(ctx, collectionID)
	r.publish(events.EventClipReorder, collectionID, "")
	return nil
}

// SetLoudness records an analysis result for the clip.
func (r *Repository) SetLoudness(ctx context.Context, id string, loudness float64) error {
	var clip models.Clip
	if err := r.db.WithContext(ctx).First(&clip, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrClipNotFound
		}
		return fmt.Errorf("set loudness %s: %w", id, err)
	}
	if err := r.db.WithContext(ctx).Model(&clip).
		UpdateColumn("loudness", loudness).Error; err != nil {
		return fmt.Errorf("set loudness %s: %w", id, err)
	}

	r.invalidate(ctx, clip.CollectionID)
	r.publish(events.EventAnalysisComplete, clip.CollectionID, id)
	r.logger.Debug().Str("clip", id).Float64("loudness", loudness).Msg("loudness stored")
	return nil
}

// ListUnmeasured returns clips without a loudness measurement.
func (r *Repository) ListUnmeasured(ctx context.Context, collectionID string) ([]models.Clip, error) {
	var clips []models.Clip
	if err := r.db.WithContext(ctx).
		Where("collection_id = ? AND loudness IS NULL", collectionID).
		Order("position asc").
		Find(&clips).Error; err != nil {
		return nil, fmt.Errorf("list unmeasured clips: %w", err)
	}
	return clips, nil
}

// Resolve maps a stored locator to a playable path or URL.
func (r *Repository) Resolve(ctx context.Context, locator string) (string, error) {
	return r.resolver.Resolve(ctx, locator)
}

func (r *Repository) invalidate(ctx context.Context, collectionID string) {
	if r.cache != nil {
		r.cache.InvalidateClips(ctx, collectionID)
	}
}

func (r *Repository) publish(t events.EventType, collectionID, clipID string) {
	if r.bus == nil {
		return
	}
	payload := events.Payload{"collection_id": collectionID}
	if clipID != "" {
		payload["clip_id"] = clipID
	}
	r.bus.Publish(t, payload)
}
