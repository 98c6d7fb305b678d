package subdivision

import (
	"github.com/google/uuid"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/repo"
)

// SubGraph is the current-version definition of a sub-workflow about to be
// adopted.
type SubGraph struct {
	Nodes    []model.Node
	Edges    []model.Edge
	Bindings []model.NodeProcessor
}

// SpliceResult is the computed graph surgery for one adoption: rows to insert
// into the new parent version and the target rows to remove. Node IDs are
// pre-assigned so edges and bindings can reference them before insertion.
type SpliceResult struct {
	TargetNodeID uuid.UUID // Target node's ID in the new version
	NewNodes     []model.Node
	NewEdges     []model.Edge
	NewBindings  []model.NodeProcessor
	AddedNodeIDs []uuid.UUID
}

// computeSplice replaces the target node of a freshly copied parent version
// with the sub-workflow's graph: incoming edges of the target are rewired to
// the successors of the sub-workflow's START node, outgoing edges to the
// predecessors of its END node. START and END themselves are not carried
// over.
func computeSplice(copy *repo.VersionCopy, targetOldNodeID uuid.UUID, sub *SubGraph) (*SpliceResult, error) {
	target, ok := copy.NodeIDMap[targetOldNodeID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "target node %s not present in workflow version", targetOldNodeID)
	}
	for _, node := range copy.Nodes {
		if node.ID == target && node.Type != model.NodeTypeProcessor {
			return nil, apperr.New(apperr.KindValidation, "cannot adopt into a %s node", node.Type)
		}
	}

	var subStart, subEnd *model.Node
	for i := range sub.Nodes {
		switch sub.Nodes[i].Type {
		case model.NodeTypeStart:
			subStart = &sub.Nodes[i]
		case model.NodeTypeEnd:
			subEnd = &sub.Nodes[i]
		}
	}
	if subStart == nil || subEnd == nil {
		return nil, apperr.New(apperr.KindValidation, "sub-workflow must contain start and end nodes")
	}

	result := &SpliceResult{TargetNodeID: target}

	// Copy the sub-workflow's working nodes with fresh identities.
	subNodeIDMap := make(map[uuid.UUID]uuid.UUID, len(sub.Nodes))
	for _, node := range sub.Nodes {
		if node.Type != model.NodeTypeProcessor {
			continue
		}
		copied := model.Node{
			NodeBaseID:      uuid.New(),
			WorkflowID:      copy.Workflow.ID,
			Type:            node.Type,
			Name:            node.Name,
			TaskDescription: node.TaskDescription,
			Instructions:    node.Instructions,
			PositionX:       node.PositionX,
			PositionY:       node.PositionY,
		}
		copied.ID = uuid.New()
		subNodeIDMap[node.ID] = copied.ID
		result.NewNodes = append(result.NewNodes, copied)
		result.AddedNodeIDs = append(result.AddedNodeIDs, copied.ID)
	}
	if len(result.NewNodes) == 0 {
		return nil, apperr.New(apperr.KindValidation, "sub-workflow has no processor nodes to adopt")
	}

	var entryNodes, exitNodes []uuid.UUID
	for _, edge := range sub.Edges {
		switch {
		case edge.FromNodeID == subStart.ID:
			if mapped, ok := subNodeIDMap[edge.ToNodeID]; ok {
				entryNodes = append(entryNodes, mapped)
			}
		case edge.ToNodeID == subEnd.ID:
			if mapped, ok := subNodeIDMap[edge.FromNodeID]; ok {
				exitNodes = append(exitNodes, mapped)
			}
		default:
			from, fromOK := subNodeIDMap[edge.FromNodeID]
			to, toOK := subNodeIDMap[edge.ToNodeID]
			if fromOK && toOK {
				result.NewEdges = append(result.NewEdges, model.Edge{
					WorkflowID:      copy.Workflow.ID,
					FromNodeID:      from,
					ToNodeID:        to,
					Type:            edge.Type,
					ConditionConfig: edge.ConditionConfig,
				})
			}
		}
	}
	if len(entryNodes) == 0 || len(exitNodes) == 0 {
		return nil, apperr.New(apperr.KindValidation, "sub-workflow start and end must be connected to its processor nodes")
	}

	// Rewire the target's surroundings through the entry and exit sets.
	for _, edge := range copy.Edges {
		if edge.ToNodeID == target {
			for _, entry := range entryNodes {
				result.NewEdges = append(result.NewEdges, model.Edge{
					WorkflowID: copy.Workflow.ID,
					FromNodeID: edge.FromNodeID,
					ToNodeID:   entry,
					Type:       edge.Type,
				})
			}
		}
		if edge.FromNodeID == target {
			for _, exit := range exitNodes {
				result.NewEdges = append(result.NewEdges, model.Edge{
					WorkflowID: copy.Workflow.ID,
					FromNodeID: exit,
					ToNodeID:   edge.ToNodeID,
					Type:       edge.Type,
				})
			}
		}
	}

	for _, binding := range sub.Bindings {
		nodeID, ok := subNodeIDMap[binding.NodeID]
		if !ok {
			continue
		}
		result.NewBindings = append(result.NewBindings, model.NodeProcessor{
			WorkflowID:  copy.Workflow.ID,
			NodeID:      nodeID,
			ProcessorID: binding.ProcessorID,
		})
	}

	return result, nil
}
