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

// WorkflowRepository provides version-aware access to workflow definitions
// (workflows, nodes, edges, processor bindings).
type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// GetCurrentVersion returns the single current, non-deleted version for a
// workflow base ID. More than one current row indicates a corrupt write and
// is reported as a conflict.
func (r *WorkflowRepository) GetCurrentVersion(ctx context.Context, baseID uuid.UUID) (*model.Workflow, error) {
	return r.getCurrentVersionInTx(ctx, r.db, baseID)
}

func (r *WorkflowRepository) getCurrentVersionInTx(ctx context.Context, tx *gorm.DB, baseID uuid.UUID) (*model.Workflow, error) {
	if baseID == uuid.Nil {
		return nil, apperr.New(apperr.KindValidation, "workflow base ID cannot be nil")
	}

	var workflows []model.Workflow
	result := tx.WithContext(ctx).
		Where("workflow_base_id = ? AND is_current_version = ? AND is_deleted = ?", baseID, true, false).
		Find(&workflows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query current workflow version: %w", result.Error)
	}

	switch len(workflows) {
	case 0:
		return nil, apperr.New(apperr.KindNotFound, "no current version for workflow base %s", baseID)
	case 1:
		return &workflows[0], nil
	default:
		return nil, apperr.New(apperr.KindConflict, "workflow base %s has %d current versions", baseID, len(workflows))
	}
}

// GetByID returns a specific workflow version.
func (r *WorkflowRepository) GetByID(ctx context.Context, workflowID uuid.UUID) (*model.Workflow, error) {
	var workflow model.Workflow
	result := r.db.WithContext(ctx).First(&workflow, "id = ? AND is_deleted = ?", workflowID, false)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "workflow %s not found", workflowID)
		}
		return nil, fmt.Errorf("failed to retrieve workflow: %w", result.Error)
	}
	return &workflow, nil
}

// GetNodes returns all non-deleted nodes of a workflow version.
func (r *WorkflowRepository) GetNodes(ctx context.Context, workflowID uuid.UUID) ([]model.Node, error) {
	var nodes []model.Node
	result := r.db.WithContext(ctx).Where("workflow_id = ? AND is_deleted = ?", workflowID, false).Find(&nodes)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve nodes: %w", result.Error)
	}
	return nodes, nil
}

// GetNodeByID returns one node definition.
func (r *WorkflowRepository) GetNodeByID(ctx context.Context, nodeID uuid.UUID) (*model.Node, error) {
	var node model.Node
	result := r.db.WithContext(ctx).First(&node, "id = ? AND is_deleted = ?", nodeID, false)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "node %s not found", nodeID)
		}
		return nil, fmt.Errorf("failed to retrieve node: %w", result.Error)
	}
	return &node, nil
}

// GetEdges returns all edges of a workflow version.
func (r *WorkflowRepository) GetEdges(ctx context.Context, workflowID uuid.UUID) ([]model.Edge, error) {
	var edges []model.Edge
	result := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&edges)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve edges: %w", result.Error)
	}
	return edges, nil
}

// GetBindings returns all node-processor bindings of a workflow version.
func (r *WorkflowRepository) GetBindings(ctx context.Context, workflowID uuid.UUID) ([]model.NodeProcessor, error) {
	var bindings []model.NodeProcessor
	result := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&bindings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve node processor bindings: %w", result.Error)
	}
	return bindings, nil
}

// GetBindingsByNodeID returns the processor bindings of one node definition.
func (r *WorkflowRepository) GetBindingsByNodeID(ctx context.Context, nodeID uuid.UUID) ([]model.NodeProcessor, error) {
	var bindings []model.NodeProcessor
	result := r.db.WithContext(ctx).Where("node_id = ?", nodeID).Find(&bindings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve node processor bindings: %w", result.Error)
	}
	return bindings, nil
}

// CreateDefinition persists a complete workflow definition (version 1) from a
// create request. Returns the workflow row and the ref -> node ID mapping.
func (r *WorkflowRepository) CreateDefinition(ctx context.Context, req *model.CreateWorkflowDTO, createdBy uuid.UUID) (*model.Workflow, map[string]uuid.UUID, error) {
	if req == nil {
		return nil, nil, apperr.New(apperr.KindValidation, "create request cannot be nil")
	}
	if len(req.Nodes) == 0 {
		return nil, nil, apperr.New(apperr.KindValidation, "workflow must have at least one node")
	}
	if err := validateGraph(req.Nodes, req.Edges); err != nil {
		return nil, nil, err
	}

	workflow := &model.Workflow{
		WorkflowBaseID:   uuid.New(),
		Name:             req.Name,
		Description:      req.Description,
		Version:          1,
		IsCurrentVersion: true,
		CreatedBy:        createdBy,
	}
	nodeIDByRef := make(map[string]uuid.UUID, len(req.Nodes))

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(workflow).Error; err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}

		nodes := make([]model.Node, 0, len(req.Nodes))
		for _, nodeReq := range req.Nodes {
			nodes = append(nodes, model.Node{
				NodeBaseID:      uuid.New(),
				WorkflowID:      workflow.ID,
				Type:            nodeReq.Type,
				Name:            nodeReq.Name,
				TaskDescription: nodeReq.TaskDescription,
				Instructions:    nodeReq.Instructions,
				PositionX:       nodeReq.PositionX,
				PositionY:       nodeReq.PositionY,
			})
		}
		if err := tx.Create(&nodes).Error; err != nil {
			return fmt.Errorf("failed to create nodes: %w", err)
		}
		for i, nodeReq := range req.Nodes {
			nodeIDByRef[nodeReq.Ref] = nodes[i].ID
		}

		if len(req.Edges) > 0 {
			edges := make([]model.Edge, 0, len(req.Edges))
			for _, edgeReq := range req.Edges {
				edgeType := edgeReq.Type
				if edgeType == "" {
					edgeType = model.EdgeTypeNormal
				}
				edges = append(edges, model.Edge{
					WorkflowID:      workflow.ID,
					FromNodeID:      nodeIDByRef[edgeReq.FromRef],
					ToNodeID:        nodeIDByRef[edgeReq.ToRef],
					Type:            edgeType,
					ConditionConfig: edgeReq.ConditionConfig,
				})
			}
			if err := tx.Create(&edges).Error; err != nil {
				return fmt.Errorf("failed to create edges: %w", err)
			}
		}

		var bindings []model.NodeProcessor
		for i, nodeReq := range req.Nodes {
			for _, processorID := range nodeReq.ProcessorIDs {
				pid := processorID
				bindings = append(bindings, model.NodeProcessor{
					WorkflowID:  workflow.ID,
					NodeID:      nodes[i].ID,
					ProcessorID: &pid,
				})
			}
		}
		if len(bindings) > 0 {
			if err := tx.Create(&bindings).Error; err != nil {
				return fmt.Errorf("failed to create node processor bindings: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return workflow, nodeIDByRef, nil
}

// validateGraph rejects definitions the scheduler cannot execute: unknown
// edge refs, self-edges, duplicate edges, missing end node, cycles.
func validateGraph(nodes []model.CreateNodeDTO, edges []model.CreateEdgeDTO) error {
	refs := make(map[string]bool, len(nodes))
	hasEnd := false
	for _, node := range nodes {
		if refs[node.Ref] {
			return apperr.New(apperr.KindValidation, "duplicate node ref %q", node.Ref)
		}
		refs[node.Ref] = true
		if node.Type == model.NodeTypeEnd {
			hasEnd = true
		}
	}
	if !hasEnd {
		return apperr.New(apperr.KindValidation, "workflow must have at least one end node")
	}

	successors := make(map[string][]string)
	indegree := make(map[string]int)
	seenEdges := make(map[[2]string]bool, len(edges))
	for _, edge := range edges {
		if !refs[edge.FromRef] || !refs[edge.ToRef] {
			return apperr.New(apperr.KindValidation, "edge references unknown node ref %q -> %q", edge.FromRef, edge.ToRef)
		}
		if edge.FromRef == edge.ToRef {
			return apperr.New(apperr.KindValidation, "self-edge on node ref %q", edge.FromRef)
		}
		pair := [2]string{edge.FromRef, edge.ToRef}
		if seenEdges[pair] {
			return apperr.New(apperr.KindValidation, "duplicate edge %q -> %q", edge.FromRef, edge.ToRef)
		}
		seenEdges[pair] = true
		successors[edge.FromRef] = append(successors[edge.FromRef], edge.ToRef)
		indegree[edge.ToRef]++
	}

	// Kahn's algorithm; leftover nodes indicate a cycle.
	queue := make([]string, 0, len(nodes))
	for ref := range refs {
		if indegree[ref] == 0 {
			queue = append(queue, ref)
		}
	}
	visited := 0
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[ref] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(nodes) {
		return apperr.New(apperr.KindValidation, "workflow graph contains a cycle")
	}
	return nil
}
