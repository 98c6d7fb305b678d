// Package subdivision lets a task assignee spawn nested sub-workflows from a
// running task, compare alternatives, and adopt the winning graph back into a
// new version of the parent workflow.
package subdivision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/repo"
)

// TaskGetter resolves tasks for assignee validation. Satisfied by
// repo.TaskRepository.
type TaskGetter interface {
	GetByID(ctx context.Context, taskID uuid.UUID) (*model.TaskInstance, error)
}

// Store is the subdivision persistence surface. Satisfied by
// repo.SubdivisionRepository.
type Store interface {
	Create(ctx context.Context, subdivision *model.Subdivision) error
	GetByID(ctx context.Context, subdivisionID uuid.UUID) (*model.Subdivision, error)
	GetByTaskID(ctx context.Context, taskID uuid.UUID, withInstancesOnly bool) ([]model.Subdivision, error)
	GetChildren(ctx context.Context, subdivisionID uuid.UUID) ([]model.Subdivision, error)
	SetInstanceID(ctx context.Context, subdivisionID, instanceID uuid.UUID) error
	Select(ctx context.Context, subdivisionID uuid.UUID) (*model.Subdivision, error)
	SoftDelete(ctx context.Context, subdivisionID uuid.UUID) error
	CreateAdoption(ctx context.Context, tx *gorm.DB, adoption *model.Adoption) error
}

// DefinitionManager is the workflow definition surface. Satisfied by
// repo.WorkflowRepository.
type DefinitionManager interface {
	CreateDefinition(ctx context.Context, req *model.CreateWorkflowDTO, createdBy uuid.UUID) (*model.Workflow, map[string]uuid.UUID, error)
	CreateNewVersion(ctx context.Context, baseID uuid.UUID, changeNote string, createdBy uuid.UUID, mutate repo.MutateVersionFunc) (*repo.VersionCopy, error)
	GetCurrentVersion(ctx context.Context, baseID uuid.UUID) (*model.Workflow, error)
	GetNodes(ctx context.Context, workflowID uuid.UUID) ([]model.Node, error)
	GetEdges(ctx context.Context, workflowID uuid.UUID) ([]model.Edge, error)
	GetBindings(ctx context.Context, workflowID uuid.UUID) ([]model.NodeProcessor, error)
}

// InstanceStarter launches sub-workflow instances. Satisfied by
// engine.Engine.
type InstanceStarter interface {
	StartInstance(ctx context.Context, req *model.ExecuteWorkflowDTO, executorID uuid.UUID, triggerUserID *uuid.UUID) (*model.WorkflowInstance, error)
}

// WorkflowDeleter tears down a sub-workflow base and everything under it.
// Satisfied by repo.CascadeRepository.
type WorkflowDeleter interface {
	CascadeDelete(ctx context.Context, baseID uuid.UUID, hard bool) (*repo.CascadeDeleteReport, error)
}

// Service implements the subdivision operations.
type Service struct {
	tasks     TaskGetter
	subs      Store
	workflows DefinitionManager
	starter   InstanceStarter
	deleter   WorkflowDeleter
}

func NewService(tasks TaskGetter, subs Store, workflows DefinitionManager, starter InstanceStarter, deleter WorkflowDeleter) *Service {
	return &Service{tasks: tasks, subs: subs, workflows: workflows, starter: starter, deleter: deleter}
}

// Create persists the sub-workflow as a fresh top-level definition, links it
// to the original task, and optionally starts it right away.
func (s *Service) Create(ctx context.Context, taskID, userID uuid.UUID, req *model.SubdivideTaskDTO) (*model.Subdivision, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedUserID == nil || *task.AssignedUserID != userID {
		return nil, apperr.New(apperr.KindUnauthorized, "task %s is not assigned to user %s", taskID, userID)
	}
	if task.Status.Terminal() {
		return nil, apperr.New(apperr.KindValidation, "cannot subdivide task %s in terminal status %s", taskID, task.Status)
	}
	if req.ParentSubdivisionID != nil {
		if _, err := s.subs.GetByID(ctx, *req.ParentSubdivisionID); err != nil {
			return nil, err
		}
	}

	subWorkflow, _, err := s.workflows.CreateDefinition(ctx, &req.SubWorkflowData, userID)
	if err != nil {
		return nil, err
	}

	subdivisionRow := &model.Subdivision{
		OriginalTaskID:      taskID,
		SubWorkflowBaseID:   subWorkflow.WorkflowBaseID,
		ParentSubdivisionID: req.ParentSubdivisionID,
		Name:                req.SubdivisionName,
		PassedContext:       req.PassedContext,
		CreatedBy:           userID,
	}
	if err := s.subs.Create(ctx, subdivisionRow); err != nil {
		return nil, err
	}

	if req.ExecuteImmediately {
		var contextData map[string]any
		if len(req.PassedContext) > 0 {
			contextData = map[string]any{"passedContext": json.RawMessage(req.PassedContext)}
		}
		instance, err := s.starter.StartInstance(ctx, &model.ExecuteWorkflowDTO{
			WorkflowBaseID: subWorkflow.WorkflowBaseID,
			InstanceName:   req.SubdivisionName,
			InputData:      req.PassedContext,
			ContextData:    contextData,
		}, userID, &userID)
		if err != nil {
			slog.Error("failed to start subdivision instance",
				"subdivision_id", subdivisionRow.ID,
				"error", err)
		} else {
			if err := s.subs.SetInstanceID(ctx, subdivisionRow.ID, instance.ID); err != nil {
				slog.Warn("failed to link subdivision instance", "subdivision_id", subdivisionRow.ID, "error", err)
			} else {
				subdivisionRow.SubWorkflowInstanceID = &instance.ID
			}
		}
	}

	slog.Info("subdivision created",
		"subdivision_id", subdivisionRow.ID,
		"task_id", taskID,
		"sub_workflow_base_id", subWorkflow.WorkflowBaseID,
		"executed", req.ExecuteImmediately)
	return subdivisionRow, nil
}

// List returns the subdivisions spawned from a task, newest first.
func (s *Service) List(ctx context.Context, taskID uuid.UUID, withInstancesOnly bool) ([]model.Subdivision, error) {
	return s.subs.GetByTaskID(ctx, taskID, withInstancesOnly)
}

// Select marks one subdivision of a task as the chosen alternative.
func (s *Service) Select(ctx context.Context, subdivisionID, userID uuid.UUID) (*model.Subdivision, error) {
	subdivisionRow, err := s.subs.GetByID(ctx, subdivisionID)
	if err != nil {
		return nil, err
	}
	task, err := s.tasks.GetByID(ctx, subdivisionRow.OriginalTaskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedUserID == nil || *task.AssignedUserID != userID {
		return nil, apperr.New(apperr.KindUnauthorized, "task %s is not assigned to user %s", task.ID, userID)
	}
	return s.subs.Select(ctx, subdivisionID)
}

// Adopt splices the subdivision's sub-workflow graph into a new version of
// the parent workflow, replacing the target node.
func (s *Service) Adopt(ctx context.Context, userID uuid.UUID, originalBaseID uuid.UUID, req *model.AdoptSubdivisionDTO) (*model.Adoption, *repo.VersionCopy, error) {
	subdivisionRow, err := s.subs.GetByID(ctx, req.SubdivisionID)
	if err != nil {
		return nil, nil, err
	}

	subVersion, err := s.workflows.GetCurrentVersion(ctx, subdivisionRow.SubWorkflowBaseID)
	if err != nil {
		return nil, nil, err
	}
	subNodes, err := s.workflows.GetNodes(ctx, subVersion.ID)
	if err != nil {
		return nil, nil, err
	}
	subEdges, err := s.workflows.GetEdges(ctx, subVersion.ID)
	if err != nil {
		return nil, nil, err
	}
	subBindings, err := s.workflows.GetBindings(ctx, subVersion.ID)
	if err != nil {
		return nil, nil, err
	}
	sub := &SubGraph{Nodes: subNodes, Edges: subEdges, Bindings: subBindings}

	var adoption *model.Adoption
	changeNote := fmt.Sprintf("adopted subdivision %q", subdivisionRow.Name)
	versionCopy, err := s.workflows.CreateNewVersion(ctx, originalBaseID, changeNote, userID, func(tx *gorm.DB, copy *repo.VersionCopy) error {
		splice, err := computeSplice(copy, req.TargetNodeID, sub)
		if err != nil {
			return err
		}

		if err := tx.Create(&splice.NewNodes).Error; err != nil {
			return fmt.Errorf("failed to insert adopted nodes: %w", err)
		}
		if len(splice.NewEdges) > 0 {
			if err := tx.Create(&splice.NewEdges).Error; err != nil {
				return fmt.Errorf("failed to insert adopted edges: %w", err)
			}
		}
		if len(splice.NewBindings) > 0 {
			if err := tx.Create(&splice.NewBindings).Error; err != nil {
				return fmt.Errorf("failed to insert adopted bindings: %w", err)
			}
		}

		// The replaced node and its surroundings leave the new version.
		if err := tx.Where("workflow_id = ? AND (from_node_id = ? OR to_node_id = ?)",
			copy.Workflow.ID, splice.TargetNodeID, splice.TargetNodeID).Delete(&model.Edge{}).Error; err != nil {
			return fmt.Errorf("failed to remove target edges: %w", err)
		}
		if err := tx.Where("workflow_id = ? AND node_id = ?", copy.Workflow.ID, splice.TargetNodeID).
			Delete(&model.NodeProcessor{}).Error; err != nil {
			return fmt.Errorf("failed to remove target bindings: %w", err)
		}
		if err := tx.Where("id = ?", splice.TargetNodeID).Delete(&model.Node{}).Error; err != nil {
			return fmt.Errorf("failed to remove target node: %w", err)
		}

		adoption = &model.Adoption{
			SubdivisionID:          subdivisionRow.ID,
			OriginalWorkflowBaseID: originalBaseID,
			NewWorkflowVersionID:   copy.Workflow.ID,
			TargetNodeID:           req.TargetNodeID,
			Name:                   req.AdoptionName,
			AddedNodeIDs:           model.UUIDArray(splice.AddedNodeIDs),
		}
		return s.subs.CreateAdoption(ctx, tx, adoption)
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("subdivision adopted",
		"subdivision_id", subdivisionRow.ID,
		"new_version_id", versionCopy.Workflow.ID,
		"added_nodes", len(adoption.AddedNodeIDs))
	return adoption, versionCopy, nil
}

// Hierarchy walks the subdivision tree under a root and returns it as a
// depth map plus flat and per-parent listings.
func (s *Service) Hierarchy(ctx context.Context, subdivisionID uuid.UUID) (*model.SubdivisionHierarchyDTO, error) {
	root, err := s.subs.GetByID(ctx, subdivisionID)
	if err != nil {
		return nil, err
	}

	dto := &model.SubdivisionHierarchyDTO{
		Root:  *root,
		Depth: map[string]int{root.ID.String(): 0},
		Flat:  []model.Subdivision{*root},
		Tree:  make(map[string][]model.Subdivision),
	}

	type frame struct {
		id    uuid.UUID
		depth int
	}
	queue := []frame{{id: root.ID, depth: 0}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := s.subs.GetChildren(ctx, current.id)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			continue
		}
		dto.Tree[current.id.String()] = children
		for _, child := range children {
			dto.Depth[child.ID.String()] = current.depth + 1
			dto.Flat = append(dto.Flat, child)
			queue = append(queue, frame{id: child.ID, depth: current.depth + 1})
		}
	}
	return dto, nil
}

// CleanupUnselected soft-deletes all but the most recent keepCount
// subdivisions of a task. The selected subdivision is always retained.
func (s *Service) CleanupUnselected(ctx context.Context, taskID uuid.UUID, keepCount int) (int, error) {
	if keepCount < 0 {
		return 0, apperr.New(apperr.KindValidation, "keep count cannot be negative")
	}
	subdivisions, err := s.subs.GetByTaskID(ctx, taskID, false)
	if err != nil {
		return 0, err
	}

	// Newest first; GetByTaskID already orders by created_at DESC, but the
	// retention decision must not depend on storage ordering.
	sort.SliceStable(subdivisions, func(i, j int) bool {
		return subdivisions[i].CreatedAt.After(subdivisions[j].CreatedAt)
	})

	deleted := 0
	kept := 0
	for _, subdivisionRow := range subdivisions {
		if subdivisionRow.IsSelected {
			continue
		}
		if kept < keepCount {
			kept++
			continue
		}
		if err := s.subs.SoftDelete(ctx, subdivisionRow.ID); err != nil {
			return deleted, err
		}
		deleted++

		// The discarded alternative's sub-workflow goes with it. A teardown
		// failure does not abort the sweep; the subdivision row is already
		// gone.
		if _, err := s.deleter.CascadeDelete(ctx, subdivisionRow.SubWorkflowBaseID, false); err != nil {
			slog.Warn("failed to tear down sub-workflow of discarded subdivision",
				"subdivision_id", subdivisionRow.ID,
				"sub_workflow_base_id", subdivisionRow.SubWorkflowBaseID,
				"error", err)
		}
	}

	slog.Info("cleaned up unselected subdivisions",
		"task_id", taskID,
		"deleted", deleted,
		"kept", kept)
	return deleted, nil
}
