package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
)

// SubdivisionRepository provides access to subdivision and adoption rows.
type SubdivisionRepository struct {
	db *gorm.DB
}

func NewSubdivisionRepository(db *gorm.DB) *SubdivisionRepository {
	return &SubdivisionRepository{db: db}
}

// Create persists a new subdivision row.
func (r *SubdivisionRepository) Create(ctx context.Context, subdivision *model.Subdivision) error {
	if subdivision == nil {
		return apperr.New(apperr.KindValidation, "subdivision cannot be nil")
	}
	if err := r.db.WithContext(ctx).Create(subdivision).Error; err != nil {
		return fmt.Errorf("failed to create subdivision: %w", err)
	}
	return nil
}

// GetByID returns one subdivision.
func (r *SubdivisionRepository) GetByID(ctx context.Context, subdivisionID uuid.UUID) (*model.Subdivision, error) {
	var subdivision model.Subdivision
	result := r.db.WithContext(ctx).First(&subdivision, "id = ? AND is_deleted = ?", subdivisionID, false)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "subdivision %s not found", subdivisionID)
		}
		return nil, fmt.Errorf("failed to retrieve subdivision: %w", result.Error)
	}
	return &subdivision, nil
}

// GetByTaskID returns subdivisions of a task, newest first. When
// withInstancesOnly is set, only rows with a started sub-workflow instance
// are returned.
func (r *SubdivisionRepository) GetByTaskID(ctx context.Context, taskID uuid.UUID, withInstancesOnly bool) ([]model.Subdivision, error) {
	query := r.db.WithContext(ctx).Where("original_task_id = ? AND is_deleted = ?", taskID, false)
	if withInstancesOnly {
		query = query.Where("sub_workflow_instance_id IS NOT NULL")
	}
	var subdivisions []model.Subdivision
	result := query.Order("created_at DESC").Find(&subdivisions)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve subdivisions for task %s: %w", taskID, result.Error)
	}
	return subdivisions, nil
}

// GetChildren returns direct children of a subdivision.
func (r *SubdivisionRepository) GetChildren(ctx context.Context, subdivisionID uuid.UUID) ([]model.Subdivision, error) {
	var children []model.Subdivision
	result := r.db.WithContext(ctx).
		Where("parent_subdivision_id = ? AND is_deleted = ?", subdivisionID, false).
		Order("created_at ASC").
		Find(&children)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve subdivision children: %w", result.Error)
	}
	return children, nil
}

// SetInstanceID stores the sub-workflow instance ID once execution starts.
func (r *SubdivisionRepository) SetInstanceID(ctx context.Context, subdivisionID, instanceID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&model.Subdivision{}).
		Where("id = ?", subdivisionID).
		Updates(map[string]any{"sub_workflow_instance_id": instanceID, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to set subdivision instance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "subdivision %s not found", subdivisionID)
	}
	return nil
}

// Select marks one subdivision of a task as selected and clears the flag on
// every sibling in the same write.
func (r *SubdivisionRepository) Select(ctx context.Context, subdivisionID uuid.UUID) (*model.Subdivision, error) {
	var selected *model.Subdivision
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subdivision model.Subdivision
		if err := tx.First(&subdivision, "id = ? AND is_deleted = ?", subdivisionID, false).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindNotFound, "subdivision %s not found", subdivisionID)
			}
			return fmt.Errorf("failed to retrieve subdivision: %w", err)
		}

		if err := tx.Model(&model.Subdivision{}).
			Where("original_task_id = ? AND is_selected = ?", subdivision.OriginalTaskID, true).
			Update("is_selected", false).Error; err != nil {
			return fmt.Errorf("failed to clear selected siblings: %w", err)
		}
		if err := tx.Model(&model.Subdivision{}).
			Where("id = ?", subdivisionID).
			Updates(map[string]any{"is_selected": true, "updated_at": time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("failed to select subdivision: %w", err)
		}

		subdivision.IsSelected = true
		selected = &subdivision
		return nil
	})
	if err != nil {
		return nil, err
	}
	return selected, nil
}

// SoftDelete flips the is_deleted flag on one subdivision.
func (r *SubdivisionRepository) SoftDelete(ctx context.Context, subdivisionID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&model.Subdivision{}).
		Where("id = ?", subdivisionID).
		Updates(map[string]any{"is_deleted": true, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to delete subdivision: %w", result.Error)
	}
	return nil
}

// CreateAdoption persists an adoption record inside an existing transaction
// so it shares atomicity with the version copy it describes.
func (r *SubdivisionRepository) CreateAdoption(ctx context.Context, tx *gorm.DB, adoption *model.Adoption) error {
	if adoption == nil {
		return apperr.New(apperr.KindValidation, "adoption cannot be nil")
	}
	if err := tx.WithContext(ctx).Create(adoption).Error; err != nil {
		return fmt.Errorf("failed to create adoption record: %w", err)
	}
	return nil
}
