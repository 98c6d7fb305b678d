package wfcontext

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openweave/weave/internal/workflow/model"
)

// GetUpstreamContext returns the one-hop upstream view of a node instance:
// the immediate upstream outputs plus the instance-wide globals. Missing
// outputs are reported as zero-length payloads, never as an error.
func (m *Manager) GetUpstreamContext(nodeInstanceID uuid.UUID) (*UpstreamContext, bool) {
	dep, ok := m.deps.Get(nodeInstanceID)
	if !ok {
		return nil, false
	}
	snapshot, ok := m.Context(dep.WorkflowInstanceID)
	if !ok {
		slog.Warn("upstream context requested for cleaned-up workflow",
			"workflow_instance_id", dep.WorkflowInstanceID,
			"node_instance_id", nodeInstanceID)
		return nil, false
	}

	results := make(map[uuid.UUID]json.RawMessage, len(dep.UpstreamNodes))
	for _, upstreamNodeID := range dep.UpstreamNodes {
		output, exists := snapshot.NodeOutputs[upstreamNodeID]
		if !exists {
			slog.Warn("upstream output missing, substituting empty payload",
				"workflow_instance_id", dep.WorkflowInstanceID,
				"upstream_node_id", upstreamNodeID)
			output = json.RawMessage{}
		}
		results[upstreamNodeID] = output
	}

	return &UpstreamContext{
		ImmediateUpstreamResults: results,
		UpstreamNodeCount:        len(dep.UpstreamNodes),
		WorkflowGlobal: WorkflowGlobal{
			ExecutionPath:      snapshot.ExecutionPath,
			GlobalData:         snapshot.GlobalData,
			ExecutionStartTime: snapshot.StartTime,
		},
	}, true
}

// BuildTaskContext assembles the dispatch-time bundle for one task: instance
// metadata, upstream outputs annotated with node names, and the current
// node's definition fields.
func (m *Manager) BuildTaskContext(ctx context.Context, defs DefinitionResolver, instance *model.WorkflowInstance, node *model.Node, nodeInstanceID uuid.UUID) *TaskContext {
	taskContext := &TaskContext{
		WorkflowInstanceID:   instance.ID,
		WorkflowInstanceName: instance.Name,
		WorkflowID:           instance.WorkflowID,
		NodeInstanceID:       nodeInstanceID,
		NodeID:               node.ID,
		NodeName:             node.Name,
		TaskDescription:      node.TaskDescription,
		Instructions:         node.Instructions,
		GeneratedAt:          time.Now().UTC(),
	}

	upstream, ok := m.GetUpstreamContext(nodeInstanceID)
	if !ok {
		return taskContext
	}
	taskContext.GlobalData = upstream.WorkflowGlobal.GlobalData
	taskContext.ExecutionPath = upstream.WorkflowGlobal.ExecutionPath

	taskContext.UpstreamOutputs = make([]TaskUpstreamOutput, 0, len(upstream.ImmediateUpstreamResults))
	for upstreamNodeID, output := range upstream.ImmediateUpstreamResults {
		name := ""
		if upstreamNode, err := defs.GetNodeByID(ctx, upstreamNodeID); err == nil {
			name = upstreamNode.Name
		} else {
			slog.Warn("failed to resolve upstream node name",
				"node_id", upstreamNodeID,
				"error", err)
		}
		taskContext.UpstreamOutputs = append(taskContext.UpstreamOutputs, TaskUpstreamOutput{
			NodeID:   upstreamNodeID,
			NodeName: name,
			Output:   output,
		})
	}
	return taskContext
}
