package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
)

// ProcessorRepository provides access to processor rows. Processors are
// external entities the core references by ID; only lookup, creation and
// reference-safe deletion live here.
type ProcessorRepository struct {
	db *gorm.DB
}

func NewProcessorRepository(db *gorm.DB) *ProcessorRepository {
	return &ProcessorRepository{db: db}
}

// Create persists a processor after checking its kind invariants.
func (r *ProcessorRepository) Create(ctx context.Context, processor *model.Processor) error {
	if processor == nil {
		return apperr.New(apperr.KindValidation, "processor cannot be nil")
	}
	if err := processor.Validate(); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid processor")
	}
	if err := r.db.WithContext(ctx).Create(processor).Error; err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}
	return nil
}

// GetByID returns one processor.
func (r *ProcessorRepository) GetByID(ctx context.Context, processorID uuid.UUID) (*model.Processor, error) {
	var processor model.Processor
	result := r.db.WithContext(ctx).First(&processor, "id = ? AND is_deleted = ?", processorID, false)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "processor %s not found", processorID)
		}
		return nil, fmt.Errorf("failed to retrieve processor: %w", result.Error)
	}
	return &processor, nil
}

// GetByIDs returns processors keyed by ID. Missing IDs are simply absent from
// the map.
func (r *ProcessorRepository) GetByIDs(ctx context.Context, processorIDs []uuid.UUID) (map[uuid.UUID]model.Processor, error) {
	processors := make(map[uuid.UUID]model.Processor, len(processorIDs))
	if len(processorIDs) == 0 {
		return processors, nil
	}
	var rows []model.Processor
	result := r.db.WithContext(ctx).Where("id IN ? AND is_deleted = ?", processorIDs, false).Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve processors: %w", result.Error)
	}
	for _, p := range rows {
		processors[p.ID] = p
	}
	return processors, nil
}

// Delete soft-deletes a processor. Node bindings that reference it have
// their processor reference cleared first rather than cascading into
// definitions.
func (r *ProcessorRepository) Delete(ctx context.Context, processorID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.NodeProcessor{}).
			Where("processor_id = ?", processorID).
			Update("processor_id", nil).Error; err != nil {
			return fmt.Errorf("failed to clear processor references: %w", err)
		}
		result := tx.Model(&model.Processor{}).
			Where("id = ?", processorID).
			Update("is_deleted", true)
		if result.Error != nil {
			return fmt.Errorf("failed to delete processor: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.KindNotFound, "processor %s not found", processorID)
		}
		return nil
	})
}
