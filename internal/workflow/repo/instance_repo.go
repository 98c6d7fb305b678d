package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
)

// InstanceRepository provides append-only access to workflow and node
// instance rows. Status transitions are validated against the instance state
// machines before any write.
type InstanceRepository struct {
	db *gorm.DB
}

func NewInstanceRepository(db *gorm.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// CreateInstance persists a new workflow instance row.
func (r *InstanceRepository) CreateInstance(ctx context.Context, instance *model.WorkflowInstance) error {
	if instance == nil {
		return apperr.New(apperr.KindValidation, "instance cannot be nil")
	}
	if err := r.db.WithContext(ctx).Create(instance).Error; err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}
	return nil
}

// CreateNodeInstances persists node instance rows in one batch.
func (r *InstanceRepository) CreateNodeInstances(ctx context.Context, nodeInstances []model.NodeInstance) ([]model.NodeInstance, error) {
	if len(nodeInstances) == 0 {
		return nodeInstances, nil
	}
	if err := r.db.WithContext(ctx).Create(&nodeInstances).Error; err != nil {
		return nil, fmt.Errorf("failed to create node instances: %w", err)
	}
	return nodeInstances, nil
}

// GetInstanceByID returns one workflow instance.
func (r *InstanceRepository) GetInstanceByID(ctx context.Context, instanceID uuid.UUID) (*model.WorkflowInstance, error) {
	var instance model.WorkflowInstance
	result := r.db.WithContext(ctx).First(&instance, "id = ? AND is_deleted = ?", instanceID, false)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "workflow instance %s not found", instanceID)
		}
		return nil, fmt.Errorf("failed to retrieve workflow instance: %w", result.Error)
	}
	return &instance, nil
}

// UpdateInstanceStatus transitions a workflow instance, stamping updated_at
// and, for terminal states, completed_at. The optional output blob is written
// alongside terminal transitions.
func (r *InstanceRepository) UpdateInstanceStatus(ctx context.Context, instanceID uuid.UUID, to model.InstanceStatus, output json.RawMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var instance model.WorkflowInstance
		if err := tx.First(&instance, "id = ?", instanceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindNotFound, "workflow instance %s not found", instanceID)
			}
			return fmt.Errorf("failed to retrieve workflow instance: %w", err)
		}

		if instance.Status == to {
			return nil
		}
		if !instance.Status.CanTransition(to) {
			return apperr.New(apperr.KindValidation, "cannot transition instance %s from %s to %s", instanceID, instance.Status, to)
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":     to,
			"updated_at": now,
		}
		if to == model.InstanceStatusRunning && instance.StartedAt == nil {
			updates["started_at"] = now
		}
		if to.Terminal() {
			updates["completed_at"] = now
		}
		if output != nil {
			updates["output"] = output
		}
		if err := tx.Model(&model.WorkflowInstance{}).Where("id = ?", instanceID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update workflow instance status: %w", err)
		}
		return nil
	})
}

// SetInstanceContext stores the running context blob on the instance row.
func (r *InstanceRepository) SetInstanceContext(ctx context.Context, instanceID uuid.UUID, blob json.RawMessage) error {
	result := r.db.WithContext(ctx).Model(&model.WorkflowInstance{}).
		Where("id = ?", instanceID).
		Updates(map[string]any{"context": blob, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to update instance context: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "workflow instance %s not found", instanceID)
	}
	return nil
}

// GetNodeInstances returns all node instances of one workflow instance.
func (r *InstanceRepository) GetNodeInstances(ctx context.Context, instanceID uuid.UUID) ([]model.NodeInstance, error) {
	var nodeInstances []model.NodeInstance
	result := r.db.WithContext(ctx).Where("workflow_instance_id = ? AND is_deleted = ?", instanceID, false).Find(&nodeInstances)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve node instances: %w", result.Error)
	}
	return nodeInstances, nil
}

// GetNodeInstanceByID returns one node instance.
func (r *InstanceRepository) GetNodeInstanceByID(ctx context.Context, nodeInstanceID uuid.UUID) (*model.NodeInstance, error) {
	var nodeInstance model.NodeInstance
	result := r.db.WithContext(ctx).First(&nodeInstance, "id = ? AND is_deleted = ?", nodeInstanceID, false)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "node instance %s not found", nodeInstanceID)
		}
		return nil, fmt.Errorf("failed to retrieve node instance: %w", result.Error)
	}
	return &nodeInstance, nil
}

// UpdateNodeInstanceStatus transitions a node instance, stamping timestamps
// and output/error fields as appropriate.
func (r *InstanceRepository) UpdateNodeInstanceStatus(ctx context.Context, nodeInstanceID uuid.UUID, to model.NodeInstanceStatus, output json.RawMessage, errorMessage *string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var nodeInstance model.NodeInstance
		if err := tx.First(&nodeInstance, "id = ?", nodeInstanceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindNotFound, "node instance %s not found", nodeInstanceID)
			}
			return fmt.Errorf("failed to retrieve node instance: %w", err)
		}

		if nodeInstance.Status == to {
			return nil
		}
		if !nodeInstance.Status.CanTransition(to) {
			return apperr.New(apperr.KindValidation, "cannot transition node instance %s from %s to %s", nodeInstanceID, nodeInstance.Status, to)
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":     to,
			"updated_at": now,
		}
		if to == model.NodeInstanceStatusRunning && nodeInstance.StartedAt == nil {
			updates["started_at"] = now
		}
		if to.Terminal() {
			updates["completed_at"] = now
		}
		if output != nil {
			updates["output"] = output
		}
		if errorMessage != nil {
			updates["error_message"] = *errorMessage
		}
		if err := tx.Model(&model.NodeInstance{}).Where("id = ?", nodeInstanceID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update node instance status: %w", err)
		}
		return nil
	})
}

// CountNodeInstancesByStatus aggregates node instance statuses for one
// workflow instance.
func (r *InstanceRepository) CountNodeInstancesByStatus(ctx context.Context, instanceID uuid.UUID) (map[model.NodeInstanceStatus]int, error) {
	type row struct {
		Status model.NodeInstanceStatus
		Count  int
	}
	var rows []row
	result := r.db.WithContext(ctx).Model(&model.NodeInstance{}).
		Select("status, count(*) as count").
		Where("workflow_instance_id = ? AND is_deleted = ?", instanceID, false).
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to aggregate node instance statuses: %w", result.Error)
	}
	counts := make(map[model.NodeInstanceStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// AllNodeInstancesCompleted reports whether every node instance row of the
// workflow instance is in completed status. Used by the completion
// verification pass.
func (r *InstanceRepository) AllNodeInstancesCompleted(ctx context.Context, instanceID uuid.UUID) (bool, error) {
	var pending int64
	result := r.db.WithContext(ctx).Model(&model.NodeInstance{}).
		Where("workflow_instance_id = ? AND is_deleted = ? AND status <> ?", instanceID, false, model.NodeInstanceStatusCompleted).
		Count(&pending)
	if result.Error != nil {
		return false, fmt.Errorf("failed to verify node instance completion: %w", result.Error)
	}
	return pending == 0, nil
}

// ListInstancesByBaseID returns all instances of all versions of a workflow
// base, including soft-deleted ones when includeDeleted is set.
func (r *InstanceRepository) ListInstancesByBaseID(ctx context.Context, baseID uuid.UUID, includeDeleted bool) ([]model.WorkflowInstance, error) {
	var instances []model.WorkflowInstance
	query := r.db.WithContext(ctx).Where("workflow_base_id = ?", baseID)
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	if err := query.Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list workflow instances: %w", err)
	}
	return instances, nil
}
