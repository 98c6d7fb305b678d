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

// TaskRepository provides access to task instance rows.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create persists a new task instance.
func (r *TaskRepository) Create(ctx context.Context, task *model.TaskInstance) error {
	if task == nil {
		return apperr.New(apperr.KindValidation, "task cannot be nil")
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task instance: %w", err)
	}
	return nil
}

// GetByID returns one task instance.
func (r *TaskRepository) GetByID(ctx context.Context, taskID uuid.UUID) (*model.TaskInstance, error) {
	var task model.TaskInstance
	result := r.db.WithContext(ctx).First(&task, "id = ? AND is_deleted = ?", taskID, false)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "task %s not found", taskID)
		}
		return nil, fmt.Errorf("failed to retrieve task: %w", result.Error)
	}
	return &task, nil
}

// GetByNodeInstanceID returns all tasks of one node instance.
func (r *TaskRepository) GetByNodeInstanceID(ctx context.Context, nodeInstanceID uuid.UUID) ([]model.TaskInstance, error) {
	var tasks []model.TaskInstance
	result := r.db.WithContext(ctx).Where("node_instance_id = ? AND is_deleted = ?", nodeInstanceID, false).Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve tasks for node instance: %w", result.Error)
	}
	return tasks, nil
}

// GetByInstanceID returns all tasks of one workflow instance.
func (r *TaskRepository) GetByInstanceID(ctx context.Context, instanceID uuid.UUID) ([]model.TaskInstance, error) {
	var tasks []model.TaskInstance
	result := r.db.WithContext(ctx).Where("workflow_instance_id = ? AND is_deleted = ?", instanceID, false).Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve tasks for workflow instance: %w", result.Error)
	}
	return tasks, nil
}

// ListByUser returns tasks assigned to a user, newest first, optionally
// filtered by status.
func (r *TaskRepository) ListByUser(ctx context.Context, userID uuid.UUID, status *model.TaskStatus, offset, limit int) ([]model.TaskInstance, error) {
	if userID == uuid.Nil {
		return nil, apperr.New(apperr.KindValidation, "user ID cannot be nil")
	}
	query := r.db.WithContext(ctx).
		Where("assigned_user_id = ? AND is_deleted = ?", userID, false)
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	var tasks []model.TaskInstance
	result := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list tasks for user %s: %w", userID, result.Error)
	}
	return tasks, nil
}

// Save writes a full task row, stamping updated_at through the model hook.
func (r *TaskRepository) Save(ctx context.Context, task *model.TaskInstance) error {
	if task == nil {
		return apperr.New(apperr.KindValidation, "task cannot be nil")
	}
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// Transition moves a task between statuses after validating the task state
// machine, applying the given field updates in the same write.
func (r *TaskRepository) Transition(ctx context.Context, taskID uuid.UUID, to model.TaskStatus, updates map[string]any) (*model.TaskInstance, error) {
	var task model.TaskInstance
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, "id = ? AND is_deleted = ?", taskID, false).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindNotFound, "task %s not found", taskID)
			}
			return fmt.Errorf("failed to retrieve task: %w", err)
		}

		if !task.Status.CanTransition(to) {
			return apperr.New(apperr.KindValidation, "cannot transition task %s from %s to %s", taskID, task.Status, to)
		}

		if updates == nil {
			updates = map[string]any{}
		}
		updates["status"] = to
		updates["updated_at"] = time.Now().UTC()
		if err := tx.Model(&model.TaskInstance{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to transition task %s: %w", taskID, err)
		}
		return tx.First(&task, "id = ?", taskID).Error
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CountByStatus aggregates task statuses for one workflow instance.
func (r *TaskRepository) CountByStatus(ctx context.Context, instanceID uuid.UUID) (map[model.TaskStatus]int, error) {
	type row struct {
		Status model.TaskStatus
		Count  int
	}
	var rows []row
	result := r.db.WithContext(ctx).Model(&model.TaskInstance{}).
		Select("status, count(*) as count").
		Where("workflow_instance_id = ? AND is_deleted = ?", instanceID, false).
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to aggregate task statuses: %w", result.Error)
	}
	counts := make(map[model.TaskStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
