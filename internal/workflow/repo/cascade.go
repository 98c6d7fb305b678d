package repo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
)

// InstanceDeleteReport records what a cascade removed for one workflow
// instance.
type InstanceDeleteReport struct {
	InstanceID       uuid.UUID `json:"instanceId"`
	TasksDeleted     int64     `json:"tasksDeleted"`
	NodesDeleted     int64     `json:"nodesDeleted"`
	SubWorkflowBases int       `json:"subWorkflowBases"`
}

// CascadeDeleteReport is the full result of deleting a workflow base.
type CascadeDeleteReport struct {
	WorkflowBaseID   uuid.UUID              `json:"workflowBaseId"`
	WorkflowVersions int64                  `json:"workflowVersions"`
	Instances        []InstanceDeleteReport `json:"instances"`
	Hard             bool                   `json:"hard"`
}

// CascadeRepository deletes a workflow base and everything hanging off it:
// instances, their node instances and tasks, and recursively the
// sub-workflows spawned by task subdivisions. Soft mode flips is_deleted;
// hard mode removes rows.
type CascadeRepository struct {
	db *gorm.DB
}

func NewCascadeRepository(db *gorm.DB) *CascadeRepository {
	return &CascadeRepository{db: db}
}

// CascadeDelete removes a workflow base. It returns a per-instance report of
// what was deleted.
func (r *CascadeRepository) CascadeDelete(ctx context.Context, baseID uuid.UUID, hard bool) (*CascadeDeleteReport, error) {
	if baseID == uuid.Nil {
		return nil, apperr.New(apperr.KindValidation, "workflow base ID cannot be nil")
	}

	report := &CascadeDeleteReport{WorkflowBaseID: baseID, Hard: hard}
	seen := map[uuid.UUID]bool{}
	if err := r.cascade(ctx, baseID, hard, report, seen); err != nil {
		return nil, err
	}
	slog.Info("cascade delete finished",
		"workflow_base_id", baseID,
		"hard", hard,
		"versions", report.WorkflowVersions,
		"instances", len(report.Instances),
	)
	return report, nil
}

func (r *CascadeRepository) cascade(ctx context.Context, baseID uuid.UUID, hard bool, report *CascadeDeleteReport, seen map[uuid.UUID]bool) error {
	if seen[baseID] {
		return nil
	}
	seen[baseID] = true

	var instances []model.WorkflowInstance
	if err := r.db.WithContext(ctx).Where("workflow_base_id = ?", baseID).Find(&instances).Error; err != nil {
		return fmt.Errorf("failed to enumerate instances of base %s: %w", baseID, err)
	}

	for _, instance := range instances {
		instanceReport, err := r.deleteInstance(ctx, instance.ID, hard, report, seen)
		if err != nil {
			return err
		}
		report.Instances = append(report.Instances, *instanceReport)
	}

	versions, err := r.deleteRows(ctx, &model.Workflow{}, "workflow_base_id = ?", hard, baseID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow rows of base %s: %w", baseID, err)
	}
	report.WorkflowVersions += versions
	return nil
}

func (r *CascadeRepository) deleteInstance(ctx context.Context, instanceID uuid.UUID, hard bool, report *CascadeDeleteReport, seen map[uuid.UUID]bool) (*InstanceDeleteReport, error) {
	instanceReport := &InstanceDeleteReport{InstanceID: instanceID}

	// Recurse into sub-workflows spawned by subdivisions of this instance's
	// tasks before removing the tasks themselves.
	var tasks []model.TaskInstance
	if err := r.db.WithContext(ctx).Where("workflow_instance_id = ?", instanceID).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to enumerate tasks of instance %s: %w", instanceID, err)
	}
	for _, task := range tasks {
		var subdivisions []model.Subdivision
		if err := r.db.WithContext(ctx).Where("original_task_id = ?", task.ID).Find(&subdivisions).Error; err != nil {
			return nil, fmt.Errorf("failed to enumerate subdivisions of task %s: %w", task.ID, err)
		}
		for _, subdivision := range subdivisions {
			if !seen[subdivision.SubWorkflowBaseID] {
				instanceReport.SubWorkflowBases++
			}
			if err := r.cascade(ctx, subdivision.SubWorkflowBaseID, hard, report, seen); err != nil {
				return nil, err
			}
			if _, err := r.deleteRows(ctx, &model.Subdivision{}, "id = ?", hard, subdivision.ID); err != nil {
				return nil, fmt.Errorf("failed to delete subdivision %s: %w", subdivision.ID, err)
			}
		}
	}

	tasksDeleted, err := r.deleteRows(ctx, &model.TaskInstance{}, "workflow_instance_id = ?", hard, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete tasks of instance %s: %w", instanceID, err)
	}
	instanceReport.TasksDeleted = tasksDeleted

	nodesDeleted, err := r.deleteRows(ctx, &model.NodeInstance{}, "workflow_instance_id = ?", hard, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete node instances of instance %s: %w", instanceID, err)
	}
	instanceReport.NodesDeleted = nodesDeleted

	if _, err := r.deleteRows(ctx, &model.WorkflowInstance{}, "id = ?", hard, instanceID); err != nil {
		return nil, fmt.Errorf("failed to delete workflow instance %s: %w", instanceID, err)
	}
	return instanceReport, nil
}

func (r *CascadeRepository) deleteRows(ctx context.Context, modelValue any, condition string, hard bool, args ...any) (int64, error) {
	if hard {
		result := r.db.WithContext(ctx).Where(condition, args...).Delete(modelValue)
		return result.RowsAffected, result.Error
	}
	result := r.db.WithContext(ctx).Model(modelValue).Where(condition, args...).
		Updates(map[string]any{"is_deleted": true, "updated_at": time.Now().UTC()})
	return result.RowsAffected, result.Error
}
