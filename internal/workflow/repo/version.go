package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openweave/weave/internal/workflow/model"
)

// VersionCopy is the freshly created version handed to a mutation callback.
// NodeIDMap maps old-version node IDs to their copies in the new version.
type VersionCopy struct {
	Workflow  *model.Workflow
	Nodes     []model.Node
	Edges     []model.Edge
	Bindings  []model.NodeProcessor
	NodeIDMap map[uuid.UUID]uuid.UUID
}

// MutateVersionFunc mutates a freshly copied version inside the same
// transaction that created it. A non-nil error rolls the whole version back.
type MutateVersionFunc func(tx *gorm.DB, copy *VersionCopy) error

// CreateNewVersion atomically creates the next version of a workflow: the
// prior current row is marked non-current, the workflow row is copied with
// version+1 and a parent link, and all child rows (nodes, edges, bindings)
// are copied with edge and binding references rewritten through a fresh
// old -> new node ID map. An optional mutate callback runs inside the same
// transaction so adoption-style edits share its atomicity.
func (r *WorkflowRepository) CreateNewVersion(ctx context.Context, baseID uuid.UUID, changeNote string, createdBy uuid.UUID, mutate MutateVersionFunc) (*VersionCopy, error) {
	var copy *VersionCopy

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.getCurrentVersionInTx(ctx, tx, baseID)
		if err != nil {
			return err
		}

		if err := tx.Model(&model.Workflow{}).
			Where("id = ?", current.ID).
			Update("is_current_version", false).Error; err != nil {
			return fmt.Errorf("failed to demote current workflow version: %w", err)
		}

		parentID := current.ID
		next := &model.Workflow{
			WorkflowBaseID:   current.WorkflowBaseID,
			Name:             current.Name,
			Description:      current.Description,
			Version:          current.Version + 1,
			IsCurrentVersion: true,
			ParentVersionID:  &parentID,
			ChangeNote:       changeNote,
			CreatedBy:        createdBy,
		}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("failed to create new workflow version: %w", err)
		}

		var oldNodes []model.Node
		if err := tx.Where("workflow_id = ? AND is_deleted = ?", current.ID, false).Find(&oldNodes).Error; err != nil {
			return fmt.Errorf("failed to load nodes of version %s: %w", current.ID, err)
		}

		nodeIDMap := make(map[uuid.UUID]uuid.UUID, len(oldNodes))
		newNodes := make([]model.Node, 0, len(oldNodes))
		for _, old := range oldNodes {
			newNodes = append(newNodes, model.Node{
				NodeBaseID:      old.NodeBaseID,
				WorkflowID:      next.ID,
				Type:            old.Type,
				Name:            old.Name,
				TaskDescription: old.TaskDescription,
				Instructions:    old.Instructions,
				PositionX:       old.PositionX,
				PositionY:       old.PositionY,
			})
		}
		if len(newNodes) > 0 {
			if err := tx.Create(&newNodes).Error; err != nil {
				return fmt.Errorf("failed to copy nodes into new version: %w", err)
			}
		}
		for i, old := range oldNodes {
			nodeIDMap[old.ID] = newNodes[i].ID
		}

		var oldEdges []model.Edge
		if err := tx.Where("workflow_id = ?", current.ID).Find(&oldEdges).Error; err != nil {
			return fmt.Errorf("failed to load edges of version %s: %w", current.ID, err)
		}
		newEdges := make([]model.Edge, 0, len(oldEdges))
		for _, old := range oldEdges {
			from, fromOK := nodeIDMap[old.FromNodeID]
			to, toOK := nodeIDMap[old.ToNodeID]
			if !fromOK || !toOK {
				return fmt.Errorf("edge %s references a node missing from version copy", old.ID)
			}
			newEdges = append(newEdges, model.Edge{
				WorkflowID:      next.ID,
				FromNodeID:      from,
				ToNodeID:        to,
				Type:            old.Type,
				ConditionConfig: old.ConditionConfig,
			})
		}
		if len(newEdges) > 0 {
			if err := tx.Create(&newEdges).Error; err != nil {
				return fmt.Errorf("failed to copy edges into new version: %w", err)
			}
		}

		var oldBindings []model.NodeProcessor
		if err := tx.Where("workflow_id = ?", current.ID).Find(&oldBindings).Error; err != nil {
			return fmt.Errorf("failed to load bindings of version %s: %w", current.ID, err)
		}
		newBindings := make([]model.NodeProcessor, 0, len(oldBindings))
		for _, old := range oldBindings {
			nodeID, ok := nodeIDMap[old.NodeID]
			if !ok {
				return fmt.Errorf("binding %s references a node missing from version copy", old.ID)
			}
			newBindings = append(newBindings, model.NodeProcessor{
				WorkflowID:  next.ID,
				NodeID:      nodeID,
				ProcessorID: old.ProcessorID,
			})
		}
		if len(newBindings) > 0 {
			if err := tx.Create(&newBindings).Error; err != nil {
				return fmt.Errorf("failed to copy bindings into new version: %w", err)
			}
		}

		copy = &VersionCopy{
			Workflow:  next,
			Nodes:     newNodes,
			Edges:     newEdges,
			Bindings:  newBindings,
			NodeIDMap: nodeIDMap,
		}

		if mutate != nil {
			if err := mutate(tx, copy); err != nil {
				return fmt.Errorf("version mutation failed: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return copy, nil
}
