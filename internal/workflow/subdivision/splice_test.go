package subdivision

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/workflow/model"
	"github.com/openweave/weave/internal/workflow/repo"
)

func processorNode(workflowID uuid.UUID, name string) model.Node {
	node := model.Node{
		NodeBaseID: uuid.New(),
		WorkflowID: workflowID,
		Type:       model.NodeTypeProcessor,
		Name:       name,
	}
	node.ID = uuid.New()
	return node
}

func controlNode(workflowID uuid.UUID, nodeType model.NodeType) model.Node {
	node := model.Node{
		NodeBaseID: uuid.New(),
		WorkflowID: workflowID,
		Type:       nodeType,
		Name:       string(nodeType),
	}
	node.ID = uuid.New()
	return node
}

func edge(workflowID, from, to uuid.UUID) model.Edge {
	return model.Edge{WorkflowID: workflowID, FromNodeID: from, ToNodeID: to, Type: model.EdgeTypeNormal}
}

// parentDiamond builds a copied parent version where the target node sits
// between one upstream and two downstream processors.
func parentDiamond() (*repo.VersionCopy, uuid.UUID) {
	workflowID := uuid.New()
	upstream := processorNode(workflowID, "gather")
	target := processorNode(workflowID, "review")
	left := processorNode(workflowID, "publish")
	right := processorNode(workflowID, "archive")

	targetOldID := uuid.New()
	copy := &repo.VersionCopy{
		Workflow: &model.Workflow{WorkflowBaseID: uuid.New()},
		Nodes:    []model.Node{upstream, target, left, right},
		Edges: []model.Edge{
			edge(workflowID, upstream.ID, target.ID),
			edge(workflowID, target.ID, left.ID),
			edge(workflowID, target.ID, right.ID),
		},
		NodeIDMap: map[uuid.UUID]uuid.UUID{
			uuid.New():  upstream.ID,
			targetOldID: target.ID,
			uuid.New():  left.ID,
			uuid.New():  right.ID,
		},
	}
	copy.Workflow.ID = workflowID
	return copy, targetOldID
}

// subChain builds a sub-workflow start -> first -> second -> end with one
// binding on the first node.
func subChain() (*SubGraph, model.Node, model.Node) {
	workflowID := uuid.New()
	start := controlNode(workflowID, model.NodeTypeStart)
	first := processorNode(workflowID, "draft")
	second := processorNode(workflowID, "verify")
	end := controlNode(workflowID, model.NodeTypeEnd)

	processorID := uuid.New()
	sub := &SubGraph{
		Nodes: []model.Node{start, first, second, end},
		Edges: []model.Edge{
			edge(workflowID, start.ID, first.ID),
			edge(workflowID, first.ID, second.ID),
			edge(workflowID, second.ID, end.ID),
		},
		Bindings: []model.NodeProcessor{
			{WorkflowID: workflowID, NodeID: first.ID, ProcessorID: &processorID},
		},
	}
	return sub, first, second
}

func TestComputeSplice(t *testing.T) {
	t.Run("rewires diamond through entry and exit nodes", func(t *testing.T) {
		copy, targetOldID := parentDiamond()
		target := copy.NodeIDMap[targetOldID]
		sub, subFirst, subSecond := subChain()

		result, err := computeSplice(copy, targetOldID, sub)
		require.NoError(t, err)

		require.Len(t, result.NewNodes, 2)
		assert.Equal(t, target, result.TargetNodeID)
		assert.Equal(t, result.NewNodes[0].ID, result.AddedNodeIDs[0])

		byName := make(map[string]model.Node)
		for _, node := range result.NewNodes {
			assert.Equal(t, copy.Workflow.ID, node.WorkflowID)
			assert.NotEqual(t, subFirst.ID, node.ID)
			assert.NotEqual(t, subSecond.ID, node.ID)
			byName[node.Name] = node
		}
		draft := byName["draft"]
		verify := byName["verify"]

		// Internal edge plus one rewired incoming and two rewired outgoing.
		require.Len(t, result.NewEdges, 4)
		type pair struct{ from, to uuid.UUID }
		got := make(map[pair]bool)
		for _, e := range result.NewEdges {
			assert.Equal(t, copy.Workflow.ID, e.WorkflowID)
			got[pair{e.FromNodeID, e.ToNodeID}] = true
		}
		var upstream uuid.UUID
		var downstream []uuid.UUID
		for _, e := range copy.Edges {
			if e.ToNodeID == target {
				upstream = e.FromNodeID
			}
			if e.FromNodeID == target {
				downstream = append(downstream, e.ToNodeID)
			}
		}
		assert.True(t, got[pair{draft.ID, verify.ID}])
		assert.True(t, got[pair{upstream, draft.ID}])
		for _, d := range downstream {
			assert.True(t, got[pair{verify.ID, d}])
		}

		require.Len(t, result.NewBindings, 1)
		assert.Equal(t, draft.ID, result.NewBindings[0].NodeID)
	})

	t.Run("rejects unknown target node", func(t *testing.T) {
		copy, _ := parentDiamond()
		sub, _, _ := subChain()

		_, err := computeSplice(copy, uuid.New(), sub)
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("rejects start node as target", func(t *testing.T) {
		copy, _ := parentDiamond()
		start := controlNode(copy.Workflow.ID, model.NodeTypeStart)
		copy.Nodes = append(copy.Nodes, start)
		startOldID := uuid.New()
		copy.NodeIDMap[startOldID] = start.ID
		sub, _, _ := subChain()

		_, err := computeSplice(copy, startOldID, sub)
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("rejects sub-workflow without end node", func(t *testing.T) {
		copy, targetOldID := parentDiamond()
		sub, _, _ := subChain()
		var nodes []model.Node
		for _, node := range sub.Nodes {
			if node.Type != model.NodeTypeEnd {
				nodes = append(nodes, node)
			}
		}
		sub.Nodes = nodes

		_, err := computeSplice(copy, targetOldID, sub)
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("rejects sub-workflow with no processor nodes", func(t *testing.T) {
		copy, targetOldID := parentDiamond()
		workflowID := uuid.New()
		start := controlNode(workflowID, model.NodeTypeStart)
		end := controlNode(workflowID, model.NodeTypeEnd)
		sub := &SubGraph{
			Nodes: []model.Node{start, end},
			Edges: []model.Edge{edge(workflowID, start.ID, end.ID)},
		}

		_, err := computeSplice(copy, targetOldID, sub)
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("rejects disconnected start", func(t *testing.T) {
		copy, targetOldID := parentDiamond()
		sub, first, second := subChain()
		sub.Edges = []model.Edge{
			edge(first.WorkflowID, first.ID, second.ID),
			edge(first.WorkflowID, second.ID, sub.Nodes[3].ID),
		}

		_, err := computeSplice(copy, targetOldID, sub)
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("carries conditional edge config on internal edges", func(t *testing.T) {
		copy, targetOldID := parentDiamond()
		sub, first, second := subChain()
		cfg := json.RawMessage(`{"expression":"score > 0.5"}`)
		for i := range sub.Edges {
			if sub.Edges[i].FromNodeID == first.ID && sub.Edges[i].ToNodeID == second.ID {
				sub.Edges[i].Type = model.EdgeTypeConditional
				sub.Edges[i].ConditionConfig = cfg
			}
		}

		result, err := computeSplice(copy, targetOldID, sub)
		require.NoError(t, err)

		found := false
		for _, e := range result.NewEdges {
			if e.Type == model.EdgeTypeConditional {
				found = true
				assert.JSONEq(t, string(cfg), string(e.ConditionConfig))
			}
		}
		assert.True(t, found)
	})
}
